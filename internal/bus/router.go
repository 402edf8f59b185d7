package bus

import (
	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/observability"
)

// InboundMessage carries a classified fleet message to a consumer.
type InboundMessage struct {
	Parsed
	Payload  []byte
	Retained bool
}

// Consumer receives inbound messages for one or more channels. Handlers
// must not block; slow work is the consumer's problem.
type Consumer func(msg InboundMessage)

// Router subscribes the fleet patterns once and dispatches by channel.
type Router struct {
	client    mqtt.ClientAPI
	consumers map[Channel][]Consumer
}

func NewRouter(client mqtt.ClientAPI) *Router {
	return &Router{client: client, consumers: map[Channel][]Consumer{}}
}

// On registers a consumer. Must be called before Start.
func (r *Router) On(ch Channel, c Consumer) {
	r.consumers[ch] = append(r.consumers[ch], c)
}

// Start subscribes all fleet patterns at QoS 1. Commands are published
// at QoS >= 1 elsewhere; state/status arrive retained from the broker.
func (r *Router) Start() error {
	for _, pattern := range Patterns {
		if err := r.client.Subscribe(pattern, 1, r.handle); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handle(_ paho.Client, m mqtt.Message) {
	parsed := Parse(m.Topic())
	if parsed.Channel == ChanUnknown {
		slog.Debug("mqtt message on unrecognized topic", "topic", m.Topic())
		return
	}
	observability.MessagesIngested.WithLabelValues(parsed.Channel.String()).Inc()
	msg := InboundMessage{
		Parsed:   parsed,
		Payload:  append([]byte(nil), m.Payload()...),
		Retained: m.Retained(),
	}
	for _, c := range r.consumers[parsed.Channel] {
		c(msg)
	}
}
