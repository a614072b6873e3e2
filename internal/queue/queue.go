// Package queue defines the transport-neutral message types shared by the
// audit producer and the writer's consumers.
package queue

import "context"

// Message is one delivery from the audit queue.
type Message struct {
	// ID identifies the delivery for partial-failure reporting. It is
	// transport specific: a stream entry id, a topic/partition/offset triple.
	ID   string
	Body []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// BatchHandler processes a batch and returns the ids that must be redelivered.
// Ids it does not return are settled, whether they were stored or dropped.
type BatchHandler func(ctx context.Context, batch []Message) (failed []string)

// Producer sends one message. Key groups related messages onto the same
// partition where the transport supports it.
type Producer interface {
	Send(ctx context.Context, key string, body []byte) error
}

// Consumer delivers batches to a handler until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, handle BatchHandler) error
}
