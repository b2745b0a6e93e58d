// Package queue abstracts the broker a dispatch job is delivered through.
// Three backends satisfy it: an embedded NATS JetStream instance for
// single-node deployments, an external NATS cluster, and AWS SQS. The
// scheduler and router only ever see the interfaces below.
package queue

import (
	"context"
	"time"
)

// Message is one delivery off a broker, already wrapped so callers never
// touch the underlying SDK type.
type Message interface {
	ID() string
	Data() []byte
	Subject() string
	MessageGroup() string

	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error

	// InProgress extends the visibility/ack deadline without settling the
	// message, for handlers that need more time than the broker default.
	InProgress() error

	Metadata() map[string]string
}

// ReceiptHandleUpdatable is implemented by messages whose broker-native
// handle can go stale mid-processing (SQS's receipt handle expires on
// redelivery even while the original copy is still in flight). Callers type-
// assert for it rather than requiring it on Message, since NATS messages
// have no equivalent concept.
type ReceiptHandleUpdatable interface {
	UpdateReceiptHandle(newReceiptHandle string)
	GetReceiptHandle() string
}

// Publisher enqueues dispatch payloads.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithGroup preserves the message's place in a per-group FIFO
	// ordering (NATS JetStream subject ordering, SQS FIFO message groups).
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error

	// PublishWithDeduplication asks the broker to collapse a republish of
	// the same dispatch within its own dedup window; this is a best-effort
	// backend optimization, not a substitute for the router's own dual-ID
	// in-pipeline tracking.
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error

	Close() error
}

// Consumer drives handler for every message received until ctx is
// cancelled or the underlying subscription fails.
type Consumer interface {
	Consume(ctx context.Context, handler func(Message) error) error
	Close() error
}

// Queue is the full surface a backend must implement to back a dispatch pool.
type Queue interface {
	Publisher
	Consumer
}

// Config selects and configures one of the three backends.
type Config struct {
	Type string // "embedded", "nats", "sqs"

	DataDir string // data directory for the embedded NATS store

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig configures both the embedded and external NATS backends.
type NATSConfig struct {
	URL          string // e.g. "nats://localhost:4222"; unused by the embedded backend
	StreamName   string
	ConsumerName string
	Subjects     []string

	MaxPending int
	AckWait    time.Duration
	MaxDeliver int
	MaxAge     time.Duration
}

// SQSConfig configures the AWS SQS backend.
type SQSConfig struct {
	QueueURL string
	Region   string

	WaitTimeSeconds     int32 // long-poll wait, max 20
	VisibilityTimeout   int32
	MaxNumberOfMessages int32 // per ReceiveMessage call, 1-10

	// MetricsPollIntervalSeconds is a poll interval for the
	// ApproximateNumberOfMessages queue-depth gauge. No default is applied and
	// the SQS client does not read it.
	MetricsPollIntervalSeconds int32
}

// MessageBuilder helps construct messages for publishing
type MessageBuilder struct {
	subject         string
	data            []byte
	messageGroup    string
	deduplicationID string
	metadata        map[string]string
}

// NewMessageBuilder creates a new message builder
func NewMessageBuilder(subject string) *MessageBuilder {
	return &MessageBuilder{
		subject:  subject,
		metadata: make(map[string]string),
	}
}

// WithData sets the message payload
func (b *MessageBuilder) WithData(data []byte) *MessageBuilder {
	b.data = data
	return b
}

// WithMessageGroup sets the message group for ordered processing
func (b *MessageBuilder) WithMessageGroup(group string) *MessageBuilder {
	b.messageGroup = group
	return b
}

// WithDeduplicationID sets the deduplication ID
func (b *MessageBuilder) WithDeduplicationID(id string) *MessageBuilder {
	b.deduplicationID = id
	return b
}

// WithMetadata adds metadata to the message
func (b *MessageBuilder) WithMetadata(key, value string) *MessageBuilder {
	b.metadata[key] = value
	return b
}

func (b *MessageBuilder) Subject() string             { return b.subject }
func (b *MessageBuilder) Data() []byte                { return b.data }
func (b *MessageBuilder) MessageGroup() string        { return b.messageGroup }
func (b *MessageBuilder) DeduplicationID() string     { return b.deduplicationID }
func (b *MessageBuilder) Metadata() map[string]string { return b.metadata }
