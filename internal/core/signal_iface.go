package core

import (
	"context"

	"github.com/dkeye/meshcall/internal/signal"
)

// Bus abstracts the broadcast signaling channel of one topic.
// Every published message reaches every other subscriber, in order per
// sender; the publisher never receives its own messages.
type Bus interface {
	Publish(ctx context.Context, msg signal.Message) error
	// Subscribe registers fn for inbound messages. fn runs on a bus delivery
	// goroutine. The returned func removes the subscription.
	Subscribe(fn func(signal.Message)) (unsubscribe func())
	Close() error
}
