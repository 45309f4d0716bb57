package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/mbd888/exportguard/internal/exportrisk"
)

// PubSubNotifier publishes alerts to a Cloud Pub/Sub topic for downstream
// consumers such as a SIEM or paging service.
type PubSubNotifier struct {
	topic *pubsub.Topic
}

func NewPubSubNotifier(client *pubsub.Client, topicID string) *PubSubNotifier {
	return &PubSubNotifier{topic: client.Topic(topicID)}
}

type pubsubEnvelope struct {
	Recipient webhookRecipient `json:"recipient"`
	Alert     exportrisk.Alert `json:"alert"`
}

func (n *PubSubNotifier) SendSecurityAlert(ctx context.Context, target exportrisk.User, alert exportrisk.Alert) error {
	data, err := json.Marshal(pubsubEnvelope{
		Recipient: webhookRecipient{ID: target.ID, Email: target.Email, Name: target.Name},
		Alert:     alert,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	res := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"alert_type":     string(alert.Type),
			"user_id":        strconv.FormatInt(alert.UserID, 10),
			"recipient_id":   strconv.FormatInt(target.ID, 10),
			"account_locked": strconv.FormatBool(alert.AccountLocked),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (n *PubSubNotifier) Stop() {
	n.topic.Stop()
}
