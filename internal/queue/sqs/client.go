// Package sqs backs the queue interfaces with AWS SQS, including FIFO
// message groups, batch publish, and the receipt-handle lifecycle that SQS
// requires for ack/nack/visibility-extension semantics.
package sqs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.fluxdispatch.dev/internal/queue"
)

// SQSClientAPI is the subset of the generated SQS client this package calls,
// narrowed so tests can substitute a mock.
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Visibility timeout presets a dispatch message's nack path chooses between.
const (
	FastFailVisibilitySeconds = 10    // rate-limited or pool-full rejections: retry almost immediately
	DefaultVisibilitySeconds  = 30    // ordinary mediation failures
	MaxVisibilitySeconds      = 43200 // 12h, the SQS ceiling

	defaultWaitTimeSeconds     = 20  // SQS long-poll max
	defaultVisibilityTimeout   = 120 // 2 minutes
	defaultMaxMessagesPerBatch = 10  // SQS ReceiveMessage ceiling

	emptyBatchBackoff   = time.Second
	partialBatchBackoff = 50 * time.Millisecond
	pollErrorBackoff    = time.Second
	sqsCallTimeout      = 10 * time.Second
)

// Client owns one SQS queue's connection and every consumer created against it.
type Client struct {
	sqs       SQSClientAPI
	config    *queue.SQSConfig
	consumers map[string]*Consumer
	mu        sync.RWMutex
}

// NewClient builds a Client from the ambient AWS credential chain.
func NewClient(ctx context.Context, cfg *queue.SQSConfig) (*Client, error) {
	applyConfigDefaults(cfg)

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Client{
		sqs:       sqs.NewFromConfig(awsCfg),
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}, nil
}

// ClientConfig extends queue.SQSConfig with the override knobs needed to
// point the client at LocalStack or another non-AWS-endpoint test double.
type ClientConfig struct {
	QueueConfig     *queue.SQSConfig
	CustomEndpoint  string // e.g. LocalStack's http://localhost:4566
	AccessKeyID     string
	SecretAccessKey string
}

// NewClientWithConfig builds a Client against a custom endpoint and static
// credentials, bypassing the ambient AWS credential chain entirely.
func NewClientWithConfig(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	applyConfigDefaults(cfg.QueueConfig)

	if cfg.CustomEndpoint == "" {
		return NewClient(ctx, cfg.QueueConfig)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.QueueConfig.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
	})

	return &Client{
		sqs:       sqsClient,
		config:    cfg.QueueConfig,
		consumers: make(map[string]*Consumer),
	}, nil
}

func applyConfigDefaults(cfg *queue.SQSConfig) {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = defaultMaxMessagesPerBatch
	}
}

// Publisher returns a Publisher bound to this client's queue.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c.sqs, queueURL: c.config.QueueURL}
}

// CreateConsumer builds and registers a named consumer against this client's
// queue. filterSubject is accepted only for interface parity with the NATS
// backend, which does filter by subject; SQS has no equivalent.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	consumer := &Consumer{
		client:              c.sqs,
		queueURL:            c.config.QueueURL,
		name:                name,
		waitTimeSeconds:     c.config.WaitTimeSeconds,
		visibilityTimeout:   c.config.VisibilityTimeout,
		maxNumberOfMessages: c.config.MaxNumberOfMessages,
		pendingDeletes:      make(map[string]struct{}),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("sqs consumer registered", "consumer", name, "queueUrl", c.config.QueueURL, "batchSize", c.config.MaxNumberOfMessages, "waitTime", c.config.WaitTimeSeconds)
	return consumer, nil
}

func (c *Client) GetConsumer(name string) *Consumer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumers[name]
}

// Connection exposes the raw SDK client for health checks that want direct access.
func (c *Client) Connection() SQSClientAPI {
	return c.sqs
}

func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// HealthCheck confirms the queue is reachable by requesting one attribute.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Close stops every consumer this client created.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, consumer := range c.consumers {
		if err := consumer.Close(); err != nil {
			slog.Error("sqs consumer close failed", "consumer", name, "error", err)
		}
	}
	c.consumers = make(map[string]*Consumer)
	return nil
}

// Publisher sends dispatch payloads to one SQS queue.
type Publisher struct {
	client   SQSClientAPI
	queueURL string
}

func subjectAttribute(subject string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"Subject": {DataType: aws.String("String"), StringValue: aws.String(subject)},
	}
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(data)),
		MessageAttributes: subjectAttribute(subject),
	})
	if err != nil {
		return fmt.Errorf("send sqs message: %w", err)
	}
	return nil
}

// PublishWithGroup is only meaningful against a FIFO queue; a standard queue
// accepts the group id attribute and ignores ordering.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(data)),
		MessageGroupId:    aws.String(messageGroup),
		MessageAttributes: subjectAttribute(subject),
	})
	if err != nil {
		return fmt.Errorf("send sqs message with group: %w", err)
	}
	return nil
}

func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(p.queueURL),
		MessageBody:            aws.String(string(data)),
		MessageDeduplicationId: aws.String(deduplicationID),
		MessageAttributes:      subjectAttribute(subject),
	})
	if err != nil {
		return fmt.Errorf("send sqs message with deduplication id: %w", err)
	}
	return nil
}

// PublishBatch chunks messages into SQS's 10-per-call batch limit and sends
// each chunk with SendMessageBatch.
func (p *Publisher) PublishBatch(ctx context.Context, messages []*queue.MessageBuilder) error {
	if len(messages) == 0 {
		return nil
	}

	for start := 0; start < len(messages); start += defaultMaxMessagesPerBatch {
		end := min(start+defaultMaxMessagesPerBatch, len(messages))
		chunk := messages[start:end]

		entries := make([]types.SendMessageBatchRequestEntry, 0, len(chunk))
		for i, msg := range chunk {
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(fmt.Sprintf("%d", start+i)),
				MessageBody:       aws.String(string(msg.Data())),
				MessageAttributes: subjectAttribute(msg.Subject()),
			}
			if msg.MessageGroup() != "" {
				entry.MessageGroupId = aws.String(msg.MessageGroup())
			}
			if msg.DeduplicationID() != "" {
				entry.MessageDeduplicationId = aws.String(msg.DeduplicationID())
			}
			entries = append(entries, entry)
		}

		result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("send sqs batch: %w", err)
		}
		if len(result.Failed) > 0 {
			slog.Error("sqs batch had partial failures", "failed", len(result.Failed), "succeeded", len(result.Successful))
			return fmt.Errorf("%d of %d messages in batch failed to send", len(result.Failed), len(entries))
		}
	}

	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// Consumer long-polls one SQS queue and dispatches each received message to
// a handler, retrying deletes for messages whose receipt handle expired
// before the handler finished.
type Consumer struct {
	client              SQSClientAPI
	queueURL            string
	name                string
	waitTimeSeconds     int32
	visibilityTimeout   int32
	maxNumberOfMessages int32

	// pendingDeletes holds SQS message ids whose Ack() delete call failed
	// with an expired receipt handle; the next poll cycle that sees the
	// same id deletes it immediately instead of reprocessing it.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	running bool
	mu      sync.Mutex
}

func (c *Consumer) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Consume polls until ctx is cancelled, backing off between polls in
// proportion to how full the last batch was.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.setRunning(true)
	slog.Info("sqs consumer starting", "consumer", c.name, "queueUrl", c.queueURL)

	for {
		if ctx.Err() != nil {
			c.setRunning(false)
			return ctx.Err()
		}
		if !c.isRunning() {
			slog.Info("sqs consumer stopped", "consumer", c.name)
			return nil
		}

		received, err := c.pollOnce(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sqs poll failed", "consumer", c.name, "error", err)
			time.Sleep(pollErrorBackoff)
			continue
		}

		time.Sleep(delayForBatch(received, int(c.maxNumberOfMessages)))
	}
}

// delayForBatch backs all the way off when a poll came back empty, eases up
// for a partial batch to let more messages accumulate, and doesn't pause at
// all after a full batch.
func delayForBatch(received, capacity int) time.Duration {
	switch {
	case received == 0:
		return emptyBatchBackoff
	case received < capacity:
		return partialBatchBackoff
	default:
		return 0
	}
}

func (c *Consumer) pollOnce(ctx context.Context, handler func(queue.Message) error) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.maxNumberOfMessages,
		WaitTimeSeconds:       c.waitTimeSeconds,
		VisibilityTimeout:     c.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("receive sqs messages: %w", err)
	}

	processed := 0
	for _, msg := range result.Messages {
		id := aws.ToString(msg.MessageId)

		if c.consumePendingDelete(ctx, id, msg.ReceiptHandle) {
			continue
		}

		wrapped := &SQSMessage{
			msg:               &msg,
			client:            c.client,
			queueURL:          c.queueURL,
			sqsMessageID:      id,
			receiptHandle:     aws.ToString(msg.ReceiptHandle),
			visibilityTimeout: c.visibilityTimeout,
			consumer:          c,
		}

		if err := handler(wrapped); err != nil {
			slog.Error("sqs message handler returned error", "messageId", id, "consumer", c.name, "error", err)
		}
		processed++
	}

	return processed, nil
}

// consumePendingDelete deletes id immediately if a prior Ack() already tried
// and failed on an expired receipt handle, reporting whether id was pending.
// A failed delete leaves id pending and still returns true.
func (c *Consumer) consumePendingDelete(ctx context.Context, id string, receiptHandle *string) bool {
	c.pendingDeletesMu.RLock()
	_, pending := c.pendingDeletes[id]
	c.pendingDeletesMu.RUnlock()
	if !pending {
		return false
	}

	slog.Info("sqs message already processed, deleting on redelivery", "messageId", id)
	if err := c.deleteMessage(ctx, receiptHandle); err != nil {
		slog.Warn("sqs redelivery delete failed", "messageId", id, "error", err)
		return true
	}
	c.pendingDeletesMu.Lock()
	delete(c.pendingDeletes, id)
	c.pendingDeletesMu.Unlock()
	return true
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	return err
}

func (c *Consumer) markForDeletion(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[sqsMessageID] = struct{}{}
	c.pendingDeletesMu.Unlock()
	slog.Info("sqs message queued for deletion on redelivery", "messageId", sqsMessageID)
}

func (c *Consumer) Stop() {
	c.setRunning(false)
}

func (c *Consumer) Close() error {
	c.Stop()
	slog.Info("sqs consumer closed", "consumer", c.name)
	return nil
}

// SQSMessage adapts one received SQS message to queue.Message, tracking the
// receipt handle across visibility changes and redeliveries.
type SQSMessage struct {
	msg               *types.Message
	client            SQSClientAPI
	queueURL          string
	sqsMessageID      string
	receiptHandle     string
	visibilityTimeout int32
	consumer          *Consumer
}

func (m *SQSMessage) ID() string {
	return m.sqsMessageID
}

func (m *SQSMessage) Data() []byte {
	if m.msg.Body == nil {
		return nil
	}
	return []byte(*m.msg.Body)
}

func (m *SQSMessage) Subject() string {
	if attr, ok := m.msg.MessageAttributes["Subject"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}

func (m *SQSMessage) MessageGroup() string {
	if m.msg.Attributes == nil {
		return ""
	}
	return m.msg.Attributes["MessageGroupId"]
}

// Ack deletes the message. A receipt handle that's already expired by the
// time Ack runs is not an error: the message is queued for deletion on its
// next redelivery instead, since by definition it has already been handled.
func (m *SQSMessage) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqsCallTimeout)
	defer cancel()

	_, err := m.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			m.consumer.markForDeletion(m.sqsMessageID)
			slog.Info("receipt handle expired on ack, deferring delete to redelivery", "messageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("delete sqs message: %w", err)
	}

	slog.Debug("sqs message acked", "messageId", m.sqsMessageID)
	return nil
}

// Nak is a no-op: SQS redelivers once the visibility timeout set at receive
// time elapses, with no explicit nack call in its API.
func (m *SQSMessage) Nak() error {
	slog.Debug("sqs nack is implicit, waiting out visibility timeout", "messageId", m.sqsMessageID)
	return nil
}

func (m *SQSMessage) NakWithDelay(delay time.Duration) error {
	return m.changeVisibility(clampVisibility(int32(delay.Seconds())))
}

func (m *SQSMessage) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

func (m *SQSMessage) SetFastFailVisibility() error {
	return m.changeVisibility(FastFailVisibilitySeconds)
}

func (m *SQSMessage) ResetVisibilityToDefault() error {
	return m.changeVisibility(DefaultVisibilitySeconds)
}

func (m *SQSMessage) SetVisibilityDelay(seconds int32) error {
	return m.changeVisibility(clampVisibility(seconds))
}

func (m *SQSMessage) ExtendVisibility(seconds int32) error {
	return m.changeVisibility(seconds)
}

func clampVisibility(seconds int32) int32 {
	switch {
	case seconds < 0:
		return 0
	case seconds > MaxVisibilitySeconds:
		return MaxVisibilitySeconds
	default:
		return seconds
	}
}

func (m *SQSMessage) changeVisibility(timeout int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqsCallTimeout)
	defer cancel()

	_, err := m.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.receiptHandle),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			slog.Debug("receipt handle expired, cannot change visibility", "messageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("change sqs message visibility: %w", err)
	}

	slog.Debug("sqs message visibility changed", "messageId", m.sqsMessageID, "timeoutSeconds", timeout)
	return nil
}

func (m *SQSMessage) UpdateReceiptHandle(newReceiptHandle string) {
	slog.Info("sqs receipt handle refreshed on redelivery", "messageId", m.sqsMessageID)
	m.receiptHandle = newReceiptHandle
}

func (m *SQSMessage) GetReceiptHandle() string {
	return m.receiptHandle
}

func (m *SQSMessage) Metadata() map[string]string {
	result := make(map[string]string, len(m.msg.MessageAttributes))
	for k, v := range m.msg.MessageAttributes {
		if v.StringValue != nil {
			result[k] = *v.StringValue
		}
	}
	return result
}

func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsString(msg, "receipt handle has expired") ||
		containsString(msg, "ReceiptHandleIsInvalid") ||
		containsString(msg, "The receipt handle has expired")
}

// containsString is a thin strings.Contains wrapper kept for test readability.
func containsString(s, substr string) bool {
	return strings.Contains(s, substr)
}

// DispatchMessage is the wire shape of a dispatch job carried over SQS.
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
