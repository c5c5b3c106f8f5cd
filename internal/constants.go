package internal

const (
	HeaderPriority   = "priority"
	HeaderThreadID   = "thread_id"
	HeaderMessageID  = "message_id"
	HeaderRetryCount = "retry_count"

	// Dead-letter queue headers
	HeaderDLQOriginalQueue = "dlq_original_queue"
	HeaderDLQErrorMessage  = "dlq_error_message"
)

// SessionKey builds the canonical registry key for a user's device session.
func SessionKey(userID, deviceTag string) string {
	return userID + ":" + deviceTag
}
