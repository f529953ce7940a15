package services

import (
	"log/slog"

	pubnub "github.com/pubnub/go"
)

// Notifier publishes queue change events and delivers subscriptions.
// Delivery is at-least-once; subscribers must tolerate duplicate and
// out-of-order notifications.
type Notifier interface {
	Publish(channel string, payload map[string]any)
	Subscribe(channels []string, callback func(channel string, payload map[string]any))
}

// PubNubNotifier is the production Notifier.
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pn: pn}
}

func (n *PubNubNotifier) Publish(channel string, payload map[string]any) {
	_, _, err := n.pn.Publish().
		Channel(channel).
		Message(payload).
		Execute()
	if err != nil {
		// Notifications are best effort; the queue state is already committed.
		slog.Warn("pubnub publish failed", "channel", channel, "error", err)
	}
}

func (n *PubNubNotifier) Subscribe(channels []string, callback func(channel string, payload map[string]any)) {
	listener := pubnub.NewListener()

	go func() {
		for {
			select {
			case msg := <-listener.Message:
				payload, ok := msg.Message.(map[string]any)
				if !ok {
					slog.Warn("dropping non-object message", "channel", msg.Channel)
					continue
				}
				callback(msg.Channel, payload)
			case status := <-listener.Status:
				if status.Error {
					slog.Warn("pubnub subscribe status error", "category", status.Category)
				}
			case <-listener.Presence:
			}
		}
	}()

	n.pn.AddListener(listener)
	n.pn.Subscribe().
		Channels(channels).
		Execute()
}
