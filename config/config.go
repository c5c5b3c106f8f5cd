package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type MessagingConfig struct {
	config.ConfigurationDefault

	ContentMaxLength int `envDefault:"5000" env:"CONTENT_MAX_LENGTH"`

	RateLimitWindowSec   int     `envDefault:"60"  env:"RATE_LIMIT_WINDOW_SEC"`
	RateLimitMaxCount    int     `envDefault:"100" env:"RATE_LIMIT_MAX_COUNT"`
	RateLimitBurstFactor float64 `envDefault:"1.5" env:"RATE_LIMIT_BURST_FACTOR"`

	HeartbeatIntervalSec     int `envDefault:"30" env:"HEARTBEAT_INTERVAL_SEC"`
	PresenceTTLSec           int `envDefault:"90" env:"PRESENCE_TTL_SEC"`
	PresenceSweepIntervalSec int `envDefault:"30" env:"PRESENCE_SWEEP_INTERVAL_SEC"`

	TypingDebounceSec int `envDefault:"3" env:"TYPING_DEBOUNCE_SEC"`

	RetryBaseDelayMs     int `envDefault:"1000"  env:"RETRY_BASE_DELAY_MS"`
	RetryMaxDelayMs      int `envDefault:"30000" env:"RETRY_MAX_DELAY_MS"`
	MaxDeliveryRetries   int `envDefault:"3"     env:"MAX_DELIVERY_RETRIES"`
	OfflineQueueCapacity int `envDefault:"50"    env:"OFFLINE_QUEUE_CAPACITY"`

	NotificationBatchSize int `envDefault:"100" env:"NOTIFICATION_BATCH_SIZE"`

	// PushProviderURI is the external push collaborator's webhook endpoint.
	// Empty selects the logging provider, for development use.
	PushProviderURI        string `envDefault:""     env:"PUSH_PROVIDER_URI"`
	PushProviderTimeoutSec int    `envDefault:"10"   env:"PUSH_PROVIDER_TIMEOUT_SEC"`

	// DeliveredOnAck selects how a live push is receipted: false records
	// delivered on a successful socket push, true records sent and waits for
	// the client's delivery acknowledgment event.
	DeliveredOnAck bool `envDefault:"false" env:"DELIVERED_ON_ACK"`

	MaxSessionsPerUser int `envDefault:"5"     env:"MAX_SESSIONS_PER_USER"`
	SessionPoolSize    int `envDefault:"10000" env:"SESSION_POOL_SIZE"`

	QueueNotificationDispatchName string `envDefault:"notification.dispatch"       env:"QUEUE_NOTIFICATION_DISPATCH_NAME"`
	QueueNotificationDispatchURI  string `envDefault:"mem://notification.dispatch" env:"QUEUE_NOTIFICATION_DISPATCH_URI"`

	// Dead-letter queue for notification batches that exceed max retries
	QueueDeadLetterName string `envDefault:"dead.letter.queue"       env:"QUEUE_DEAD_LETTER_NAME"`
	QueueDeadLetterURI  string `envDefault:"mem://dead.letter.queue" env:"QUEUE_DEAD_LETTER_URI"`
}

func (c *MessagingConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c *MessagingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c *MessagingConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSec) * time.Second
}

func (c *MessagingConfig) PresenceSweepInterval() time.Duration {
	return time.Duration(c.PresenceSweepIntervalSec) * time.Second
}

func (c *MessagingConfig) TypingDebounce() time.Duration {
	return time.Duration(c.TypingDebounceSec) * time.Second
}

func (c *MessagingConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *MessagingConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c *MessagingConfig) PushProviderTimeout() time.Duration {
	return time.Duration(c.PushProviderTimeoutSec) * time.Second
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *MessagingConfig) Validate() error {
	var errs []error

	if c.ContentMaxLength <= 0 {
		errs = append(errs, errors.New("ContentMaxLength must be > 0"))
	}
	if c.RateLimitWindowSec <= 0 {
		errs = append(errs, errors.New("RateLimitWindowSec must be > 0"))
	}
	if c.RateLimitMaxCount <= 0 {
		errs = append(errs, errors.New("RateLimitMaxCount must be > 0"))
	}
	if c.RateLimitBurstFactor < 1.0 {
		errs = append(errs, errors.New("RateLimitBurstFactor must be >= 1.0"))
	}
	if c.PresenceTTLSec < c.HeartbeatIntervalSec {
		errs = append(errs, fmt.Errorf("PresenceTTLSec (%d) must be >= HeartbeatIntervalSec (%d)",
			c.PresenceTTLSec, c.HeartbeatIntervalSec))
	}
	if c.RetryBaseDelayMs <= 0 || c.RetryMaxDelayMs < c.RetryBaseDelayMs {
		errs = append(errs, errors.New("retry delays must satisfy 0 < RetryBaseDelayMs <= RetryMaxDelayMs"))
	}
	if c.MaxDeliveryRetries < 0 {
		errs = append(errs, errors.New("MaxDeliveryRetries must be >= 0"))
	}
	if c.OfflineQueueCapacity <= 0 {
		errs = append(errs, errors.New("OfflineQueueCapacity must be > 0"))
	}
	if c.NotificationBatchSize <= 0 {
		errs = append(errs, errors.New("NotificationBatchSize must be > 0"))
	}

	if err := validateQueueURI(c.QueueNotificationDispatchURI, "QueueNotificationDispatchURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueDeadLetterURI, "QueueDeadLetterURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
