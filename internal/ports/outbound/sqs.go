package outbound

import "context"

// SQSMessage is one received queue message.
type SQSMessage struct {
	MessageID string

	// ReceiptHandle is needed to delete the message after processing.
	ReceiptHandle string

	// Body is the raw JSON body, e.g. {"venue":"uniswap"}.
	Body string

	// ReceiveCount is how many times the message has been delivered,
	// including this delivery.
	ReceiveCount int
}

// SQSConsumer consumes batch triggers from a queue.
type SQSConsumer interface {
	// ReceiveMessages fetches up to maxMessages, returning an empty slice
	// when the queue is idle.
	ReceiveMessages(ctx context.Context, maxMessages int) ([]SQSMessage, error)

	// DeleteMessage acknowledges a processed message.
	DeleteMessage(ctx context.Context, receiptHandle string) error

	Close() error
}
