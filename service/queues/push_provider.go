package queues

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pitabwire/util"

	"github.com/coachstream/service-messaging/service/business"
)

// webhookPushProvider delivers notification batches to the external push
// collaborator over its HTTP webhook.
type webhookPushProvider struct {
	endpoint string
	client   *http.Client
}

// NewWebhookPushProvider builds a push provider targeting endpoint.
func NewWebhookPushProvider(endpoint string, timeout time.Duration) business.PushProvider {
	return &webhookPushProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	Notifications []*business.PushNotification `json:"notifications"`
}

type webhookResponse struct {
	Delivered []string `json:"delivered"`
	Failed    []string `json:"failed"`
}

func (wp *webhookPushProvider) SendBatch(
	ctx context.Context, batch []*business.PushNotification,
) (delivered, failed []string, err error) {
	body, err := json.Marshal(&webhookRequest{Notifications: batch})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wp.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wp.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, nil, fmt.Errorf("push provider returned status %d", resp.StatusCode)
	}

	var result webhookResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil, fmt.Errorf("failed to decode push provider response: %w", err)
	}
	return result.Delivered, result.Failed, nil
}

// loggingPushProvider reports every notification as delivered after logging
// it. Stands in for the real provider in development environments.
type loggingPushProvider struct{}

// NewLoggingPushProvider returns the development push provider.
func NewLoggingPushProvider() business.PushProvider {
	return loggingPushProvider{}
}

func (loggingPushProvider) SendBatch(
	ctx context.Context, batch []*business.PushNotification,
) (delivered, failed []string, err error) {
	for _, notification := range batch {
		util.Log(ctx).WithFields(map[string]any{
			"recipient_id": notification.RecipientID,
			"title":        notification.Title,
		}).Info("push notification (logging provider)")
		delivered = append(delivered, notification.RecipientID)
	}
	return delivered, nil, nil
}
