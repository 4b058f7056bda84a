// Package bus defines internal topics for commands, acks and telemetry
// events on an in-process watermill router. The lifecycle supervisor
// registers C11 as the commands-topic consumer; nothing in this tree
// publishes to the bus, and the acks and events topics have no
// consumer. There is no broker in this system's topology — a
// single edge device talks to one orchestrator — so the router is bound
// to watermill's gochannel transport instead of the teacher's AMQP one.
package bus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	TopicCommands = "commands"
	TopicAcks     = "acks"
	TopicEvents   = "events"
)

// Bus bundles the router plus a single gochannel pub/sub used for every
// topic, grounded on the teacher's NewWatermillRouter/RegisterHandlers
// shape (internal/handler/amqp/router.go), minus the AMQP subscriber
// adapter it built per-route.
type Bus struct {
	router *message.Router
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

func New(logger *slog.Logger) (*Bus, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          false,
	}, wmLogger)

	return &Bus{router: router, pubsub: pubsub, logger: logger}, nil
}

// AddHandler registers a pure-consumption handler on topic, matching the
// teacher's router.AddNoPublisherHandler call shape.
func (b *Bus) AddHandler(name, topic string, handler message.NoPublishHandlerFunc) {
	b.router.AddNoPublisherHandler(name, topic, b.pubsub, handler)
}

// Publish publishes payload (already-serialized bytes) to topic.
func (b *Bus) Publish(topic string, msg *message.Message) error {
	return b.pubsub.Publish(topic, msg)
}

// Run starts the router; blocks until ctx is cancelled or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running returns a channel closed once the router has finished starting.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubsub.Close()
}
