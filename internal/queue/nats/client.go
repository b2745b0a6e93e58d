// Package nats backs the queue interfaces with NATS JetStream, either an
// embedded single-node instance (see embedded.go) or an external cluster.
// Message group and deduplication semantics that SQS gets natively are
// carried here as JetStream headers.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"log/slog"

	"go.fluxdispatch.dev/internal/queue"
)

const (
	groupHeader = "Nats-Msg-Group"
	dedupHeader = "Nats-Msg-Id"
	metaPrefix  = "X-Meta-"

	defaultNATSURL    = "nats://localhost:4222"
	defaultStreamName = "DISPATCH"
	defaultAckWait    = 2 * time.Minute
	defaultMaxDeliver = 5
	defaultMaxPending = 1000

	reconnectWait = time.Second
)

// Publisher publishes to one JetStream stream.
type Publisher struct {
	js     jetstream.JetStream
	stream string
}

func NewPublisher(js jetstream.JetStream, streamName string) *Publisher {
	return &Publisher{js: js, stream: streamName}
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish nats message: %w", err)
	}
	return nil
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	msg := newHeaderedMsg(subject, data)
	msg.Header.Set(groupHeader, messageGroup)
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish nats message with group: %w", err)
	}
	return nil
}

func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	msg := newHeaderedMsg(subject, data)
	msg.Header.Set(dedupHeader, deduplicationID)
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish nats message with deduplication id: %w", err)
	}
	return nil
}

// PublishMessage publishes a message assembled with queue.MessageBuilder,
// carrying its group, dedup id, and metadata as JetStream headers.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	msg := newHeaderedMsg(builder.Subject(), builder.Data())

	if builder.MessageGroup() != "" {
		msg.Header.Set(groupHeader, builder.MessageGroup())
	}
	if builder.DeduplicationID() != "" {
		msg.Header.Set(dedupHeader, builder.DeduplicationID())
	}
	for k, v := range builder.Metadata() {
		msg.Header.Set(metaPrefix+k, v)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish nats message: %w", err)
	}
	return nil
}

func newHeaderedMsg(subject string, data []byte) *nats.Msg {
	return &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
}

func (p *Publisher) Close() error {
	return nil
}

// Consumer iterates a durable JetStream consumer and dispatches each message
// to a handler. The handler owns settling the message (Ack/Nak/NakWithDelay).
type Consumer struct {
	consumer jetstream.Consumer
	name     string
}

func NewConsumer(consumer jetstream.Consumer, name string) *Consumer {
	return &Consumer{consumer: consumer, name: name}
}

func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("nats consumer starting", "consumer", c.name)

	msgIter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("create nats message iterator: %w", err)
	}
	defer msgIter.Stop()

	for {
		if ctx.Err() != nil {
			slog.Info("nats consumer context cancelled", "consumer", c.name)
			return ctx.Err()
		}

		msg, err := msgIter.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			slog.Error("nats message iterator error", "consumer", c.name, "error", err)
			continue
		}

		wrapped := &NATSMessage{msg: msg, subject: msg.Subject()}
		if err := handler(wrapped); err != nil {
			slog.Error("nats message handler returned error", "consumer", c.name, "subject", msg.Subject(), "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	slog.Info("nats consumer closed", "consumer", c.name)
	return nil
}

// NATSMessage adapts one JetStream message to queue.Message.
type NATSMessage struct {
	msg     jetstream.Msg
	subject string
}

// ID prefers the publisher-supplied dedup header; absent that, it falls
// back to the stream-local sequence number, which is stable but not
// portable across a stream recreation.
func (m *NATSMessage) ID() string {
	if id := m.msg.Headers().Get(dedupHeader); id != "" {
		return id
	}
	if meta, err := m.msg.Metadata(); err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

func (m *NATSMessage) Data() []byte {
	return m.msg.Data()
}

func (m *NATSMessage) Subject() string {
	return m.subject
}

func (m *NATSMessage) MessageGroup() string {
	return m.msg.Headers().Get(groupHeader)
}

func (m *NATSMessage) Ack() error {
	return m.msg.Ack()
}

func (m *NATSMessage) Nak() error {
	return m.msg.Nak()
}

func (m *NATSMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

func (m *NATSMessage) InProgress() error {
	return m.msg.InProgress()
}

func (m *NATSMessage) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

// Client owns one JetStream connection plus every durable consumer created
// against it.
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	consumers map[string]*Consumer
	config    *queue.NATSConfig
}

// NewClient connects to an external NATS server and binds a publisher to
// its configured stream.
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = defaultNATSURL
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}

	return &Client{
		conn:      conn,
		js:        js,
		publisher: NewPublisher(js, streamName),
		consumers: make(map[string]*Consumer),
		config:    cfg,
	}, nil
}

func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates (or rebinds to) a durable JetStream consumer
// filtered to filterSubject, applying the configured ack-wait and
// max-deliver or their defaults.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	ackWait := defaultAckWait
	if c.config.AckWait > 0 {
		ackWait = c.config.AckWait
	}

	maxDeliver := defaultMaxDeliver
	if c.config.MaxDeliver > 0 {
		maxDeliver = c.config.MaxDeliver
	}

	streamName := c.config.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("look up nats stream %q: %w", streamName, err)
	}

	jsConsumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: defaultMaxPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats consumer %q: %w", name, err)
	}

	wrapped := NewConsumer(jsConsumer, name)
	c.consumers[name] = wrapped
	return wrapped, nil
}

func (c *Client) Close() error {
	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.conn.Close()
	return nil
}

// DispatchMessage is the wire shape of a dispatch job carried over NATS.
type DispatchMessage struct {
	JobID          string            `json:"jobId"`
	DispatchPoolID string            `json:"dispatchPoolId"`
	MessageGroup   string            `json:"messageGroup"`
	BatchID        string            `json:"batchId"`
	Sequence       int               `json:"sequence"`
	TargetURL      string            `json:"targetUrl"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"contentType"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	MaxRetries     int               `json:"maxRetries"`
	AttemptNumber  int               `json:"attemptNumber"`
}

func (m *DispatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeDispatchMessage(data []byte) (*DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode dispatch message: %w", err)
	}
	return &msg, nil
}
