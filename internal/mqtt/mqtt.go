package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrBusy is returned when the bounded publish queue is saturated.
var ErrBusy = errors.New("mqtt publish queue full")

// Message is re-exported type for handlers
type Message = paho.Message

// Handler is handler signature
type Handler = paho.MessageHandler

// ClientAPI is the surface consumers depend on. It enables unit testing
// the orchestrators without a live broker.
type ClientAPI interface {
	Subscribe(topic string, qos byte, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retain bool, payload []byte) error
	IsConnected() bool
}

type Client struct {
	cli paho.Client

	// slots bounds concurrent PUBACK waits; a full channel surfaces
	// backpressure instead of queueing unboundedly.
	slots chan struct{}

	pubTimeout time.Duration

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos byte
	cb  Handler
}

type Options struct {
	BrokerURL      string
	ClientIDPrefix string
	// QueueSize bounds in-flight publishes (default 256).
	QueueSize int
	// PublishTimeout bounds the PUBACK wait (default 5s).
	PublishTimeout time.Duration
	OnConnect      func()
}

func New(opts Options) *Client {
	u, err := url.Parse(opts.BrokerURL)
	if err != nil {
		panic(err)
	}
	po := paho.NewClientOptions()
	server := u.Host
	if u.Scheme == "mqtt" || u.Scheme == "tcp" {
		server = "tcp://" + server
	} else if u.Scheme == "ssl" || u.Scheme == "tls" {
		server = "ssl://" + server
	} else if u.Scheme == "ws" || u.Scheme == "wss" {
		server = u.Scheme + "://" + server + u.Path
	}
	po.AddBroker(server)
	prefix := opts.ClientIDPrefix
	if prefix == "" {
		prefix = "gridnest"
	}
	po.SetClientID(prefix + "-" + time.Now().Format("150405.000"))
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(1 * time.Second)
	po.SetMaxReconnectInterval(30 * time.Second)
	po.SetOrderMatters(false)
	if u.User != nil {
		pw, _ := u.User.Password()
		po.SetUsername(u.User.Username())
		po.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		po.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}

	queue := opts.QueueSize
	if queue <= 0 {
		queue = 256
	}
	pubTimeout := opts.PublishTimeout
	if pubTimeout <= 0 {
		pubTimeout = 5 * time.Second
	}
	c := &Client{
		slots:      make(chan struct{}, queue),
		pubTimeout: pubTimeout,
		subs:       map[string]subscription{},
	}

	po.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Error("mqtt connection lost", "error", err)
	}
	// Retained state/status replays arrive right after each (re)connect;
	// the ingestor's monotonic-ts guard absorbs them.
	po.OnConnect = func(cli paho.Client) {
		slog.Info("mqtt connected", "broker", opts.BrokerURL)
		c.mu.Lock()
		subs := make(map[string]subscription, len(c.subs))
		for t, s := range c.subs {
			subs[t] = s
		}
		c.mu.Unlock()
		for topic, s := range subs {
			if t := cli.Subscribe(topic, s.qos, s.cb); t.Wait() && t.Error() != nil {
				slog.Error("mqtt resubscribe failed", "topic", topic, "error", t.Error())
			}
		}
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
	}

	c.cli = paho.NewClient(po)
	if t := c.cli.Connect(); t.Wait() && t.Error() != nil {
		panic(t.Error())
	}
	return c
}

func (c *Client) Subscribe(topic string, qos byte, cb Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, cb: cb}
	c.mu.Unlock()
	t := c.cli.Subscribe(topic, qos, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic, "qos", qos)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

// Publish sends a message and, for QoS >= 1, waits for the broker ack
// within the publish timeout. Saturation of the queue returns ErrBusy.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	select {
	case c.slots <- struct{}{}:
	default:
		return ErrBusy
	}
	defer func() { <-c.slots }()

	t := c.cli.Publish(topic, qos, retain, payload)
	if qos == 0 {
		return nil
	}
	if !t.WaitTimeout(c.pubTimeout) {
		return errors.New("mqtt publish ack timeout")
	}
	return t.Error()
}

func (c *Client) IsConnected() bool {
	return c.cli != nil && c.cli.IsConnectionOpen()
}

func (c *Client) Disconnect(quiesceMs uint) {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(quiesceMs)
}
