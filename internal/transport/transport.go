// Package transport abstracts the untrusted publish/subscribe fabric the
// engine rides on. The engine never sees broker specifics: it publishes
// opaque bytes to topics and receives (topic, bytes) callbacks.
package transport

import "context"

// Handler receives one inbound payload. It is invoked from the transport's
// own goroutine; implementations must not block it for long.
type Handler func(topic string, payload []byte)

// Transport is the pub/sub surface the engine depends on. Publish with
// retained set keeps the payload as the topic's last value so late
// subscribers still see it (the invite flow depends on this).
type Transport interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, h Handler) error
	Unsubscribe(topic string) error
	Close()
}
