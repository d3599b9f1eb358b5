// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package queue implements the message broker: per-queue FIFO buffers,
// batched delivery into consumers, retries and dead-lettering.
package queue

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

var (
	// Error is the default broker error class.
	Error = errs.Class("queue")

	// ErrDeadLetterCycle rejects a queue configured as its own dead
	// letter target.
	ErrDeadLetterCycle = errs.Class("ERR_DEAD_LETTER_QUEUE_CYCLE")

	// ErrInvalidOptions rejects out-of-range batching options.
	ErrInvalidOptions = errs.Class("ERR_INVALID_OPTIONS")
)

// Default batching parameters.
const (
	DefaultMaxBatchSize    = 5
	DefaultMaxBatchTimeout = time.Second
	DefaultMaxRetries      = 2

	// MaxBatchSizeLimit bounds how large a configured batch may be.
	MaxBatchSizeLimit = 100
)

// Options configure one queue's consumer.
type Options struct {
	// MaxBatchSize triggers delivery when this many messages are
	// pending.
	MaxBatchSize int `help:"deliver once this many messages are buffered" default:"5"`
	// MaxBatchTimeout triggers delivery this long after the first
	// pending message.
	MaxBatchTimeout time.Duration `help:"deliver this long after the first buffered message" default:"1s"`
	// MaxRetries bounds redeliveries of a failing message. Nil means
	// the default; an explicit zero drops or dead-letters a message
	// after its first failed delivery.
	MaxRetries *int `help:"how many times a failed message is redelivered" default:"2"`
	// DeadLetterQueue receives messages that exhaust their retries.
	DeadLetterQueue string `help:"queue receiving messages that exhaust retries" default:""`
}

func (opts Options) validate() error {
	if opts.MaxBatchSize < 0 || opts.MaxBatchSize > MaxBatchSizeLimit {
		return ErrInvalidOptions.New("max batch size of %d is out of range [1, %d]", opts.MaxBatchSize, MaxBatchSizeLimit)
	}
	if opts.MaxBatchTimeout < 0 {
		return ErrInvalidOptions.New("max batch timeout must not be negative")
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return ErrInvalidOptions.New("max retries must not be negative")
	}
	return nil
}

func (opts Options) withDefaults() Options {
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.MaxBatchTimeout == 0 {
		opts.MaxBatchTimeout = DefaultMaxBatchTimeout
	}
	if opts.MaxRetries == nil {
		retries := DefaultMaxRetries
		opts.MaxRetries = &retries
	}
	return opts
}

// Consumer handles one delivered batch. A returned error retries every
// message not already acked, like Batch.RetryAll.
type Consumer func(ctx context.Context, batch *Batch) error

// Broker owns every queue in the simulation.
type Broker struct {
	log    *zap.Logger
	timers Timers

	mu     sync.Mutex
	queues map[string]*queueState
}

type queueState struct {
	name     string
	opts     Options
	consumer Consumer

	pending     []*Message
	cancelFlush func()
	dispatching bool
	wal         *WAL
}

// NewBroker creates a broker scheduling on timers.
func NewBroker(log *zap.Logger, timers Timers) *Broker {
	return &Broker{
		log:    log,
		timers: timers,
		queues: make(map[string]*queueState),
	}
}

// queue returns the named queue, creating it with defaults on first
// reference.
func (broker *Broker) queue(name string) *queueState {
	state, ok := broker.queues[name]
	if !ok {
		state = &queueState{name: name, opts: Options{}.withDefaults()}
		broker.queues[name] = state
	}
	return state
}

// Configure sets the batching options of a queue.
func (broker *Broker) Configure(name string, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if opts.DeadLetterQueue == name {
		return ErrDeadLetterCycle.New("queue %q cannot be its own dead letter queue", name)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	broker.queue(name).opts = opts.withDefaults()
	return nil
}

// SetWAL attaches a write-ahead log recording the queue's operations.
func (broker *Broker) SetWAL(name string, wal *WAL) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	broker.queue(name).wal = wal
}

// record appends a WAL entry when the queue has one attached.
func (broker *Broker) record(state *queueState, op string, message *Message) {
	broker.mu.Lock()
	wal := state.wal
	broker.mu.Unlock()
	if wal == nil {
		return
	}
	if err := wal.Record(op, message); err != nil {
		broker.log.Warn("queue wal append failed",
			zap.String("queue", state.name), zap.Error(err))
	}
}

// SetConsumer attaches the consumer of a queue and flushes anything
// already buffered.
func (broker *Broker) SetConsumer(name string, consumer Consumer) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	state := broker.queue(name)
	state.consumer = consumer
	broker.maybeFlushLocked(state)
}

// Send serializes value per contentType and buffers it on the queue.
func (broker *Broker) Send(ctx context.Context, name, contentType string, value any) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := serializeBody(contentType, value)
	if err != nil {
		return err
	}
	if len(body.Raw) > MaxMessageSize {
		return errs.New("Queue send failed: message length of %d bytes exceeds limit of %d", len(body.Raw), MaxMessageSize)
	}
	id := uuid.New()
	message := &Message{
		ID:        hex.EncodeToString(id[:]),
		Timestamp: broker.timers.Now(),
		Body:      body,
		Attempts:  1,
	}
	broker.mu.Lock()
	state := broker.queue(name)
	broker.mu.Unlock()
	broker.record(state, "send", message)
	broker.enqueue(name, message)
	return nil
}

// SendBatch buffers several values with a shared content type.
func (broker *Broker) SendBatch(ctx context.Context, name, contentType string, values ...any) error {
	for _, value := range values {
		if err := broker.Send(ctx, name, contentType, value); err != nil {
			return err
		}
	}
	return nil
}

func (broker *Broker) enqueue(name string, message *Message) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	state := broker.queue(name)
	state.pending = append(state.pending, message)
	broker.maybeFlushLocked(state)
}

// maybeFlushLocked arms dispatch: immediately at the size threshold,
// otherwise on a timer counted from the first pending message.
func (broker *Broker) maybeFlushLocked(state *queueState) {
	if state.consumer == nil || state.dispatching || len(state.pending) == 0 {
		return
	}
	if len(state.pending) >= state.opts.MaxBatchSize {
		if state.cancelFlush != nil {
			state.cancelFlush()
			state.cancelFlush = nil
		}
		state.dispatching = true
		broker.timers.Schedule(0, func() { broker.dispatch(state) })
		return
	}
	if state.cancelFlush == nil {
		state.cancelFlush = broker.timers.Schedule(state.opts.MaxBatchTimeout, func() {
			broker.mu.Lock()
			state.cancelFlush = nil
			if state.consumer == nil || state.dispatching || len(state.pending) == 0 {
				broker.mu.Unlock()
				return
			}
			state.dispatching = true
			broker.mu.Unlock()
			broker.dispatch(state)
		})
	}
}

// dispatch extracts one batch, runs the consumer and settles results.
func (broker *Broker) dispatch(state *queueState) {
	broker.mu.Lock()
	size := state.opts.MaxBatchSize
	if size > len(state.pending) {
		size = len(state.pending)
	}
	batch := &Batch{Queue: state.name, Messages: state.pending[:size:size]}
	state.pending = state.pending[size:]
	consumer := state.consumer
	broker.mu.Unlock()

	started := broker.timers.Now()
	err := consumer(context.Background(), batch)
	elapsed := broker.timers.Now() - started

	var retries []*Message
	for _, message := range batch.Messages {
		if err != nil || batch.retryAll || message.retried {
			retries = append(retries, message)
		}
	}
	if err != nil {
		broker.log.Error("queue consumer failed", zap.String("queue", state.name), zap.Error(err))
	}
	acked := len(batch.Messages) - len(retries)
	broker.log.Info(fmt.Sprintf("QUEUE %s %d/%d (%dms)", state.name, acked, len(batch.Messages), elapsed))

	for _, message := range retries {
		broker.settleFailed(state, message)
	}

	broker.mu.Lock()
	state.dispatching = false
	broker.maybeFlushLocked(state)
	broker.mu.Unlock()
}

// settleFailed re-buffers, dead-letters or drops one failed message.
func (broker *Broker) settleFailed(state *queueState, message *Message) {
	message.retried = false
	message.Attempts++
	if message.Attempts <= *state.opts.MaxRetries+1 {
		broker.log.Info(fmt.Sprintf("Retrying message %q on queue %q...", message.ID, state.name))
		broker.record(state, "retry", message)
		broker.enqueue(state.name, message)
		return
	}
	failed := message.Attempts - 1
	if dlq := state.opts.DeadLetterQueue; dlq != "" {
		broker.log.Warn(fmt.Sprintf("Moving message %q on queue %q to dead letter queue %q after %d failed attempts...",
			message.ID, state.name, dlq, failed))
		message.Attempts = 1
		broker.record(state, "deadletter", message)
		broker.enqueue(dlq, message)
		return
	}
	broker.log.Warn(fmt.Sprintf("Dropped message %q on queue %q after %d failed attempts!",
		message.ID, state.name, failed))
	broker.record(state, "drop", message)
}
