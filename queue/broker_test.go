// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package queue_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"miniflare.dev/miniflare/internal/structclone"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/queue"
)

// recorder collects delivered batches.
type recorder struct {
	mu      sync.Mutex
	batches []*queue.Batch
	handle  func(batch *queue.Batch) error
}

func (r *recorder) consume(ctx context.Context, batch *queue.Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	handle := r.handle
	r.mu.Unlock()
	if handle != nil {
		return handle(batch)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) batch(i int) *queue.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func newBroker(t *testing.T) (*queue.Broker, *queue.FakeTimers) {
	timers := queue.NewFakeTimers(time.Now().UnixMilli())
	return queue.NewBroker(zaptest.NewLogger(t), timers), timers
}

func retries(n int) *int { return &n }

func TestBatchOnSize(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, timers := newBroker(t)

	delivered := &recorder{}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 2}))
	broker.SetConsumer("q", delivered.consume)

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "one"))
	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "two"))
	timers.WaitForTasks()

	require.Equal(t, 1, delivered.count())
	batch := delivered.batch(0)
	require.Equal(t, "q", batch.Queue)
	require.Len(t, batch.Messages, 2)
	for i, want := range []string{"one", "two"} {
		value, err := batch.Messages[i].Body.Decode()
		require.NoError(t, err)
		require.Equal(t, want, value)
		require.Equal(t, 1, batch.Messages[i].Attempts)
		require.Regexp(t, "^[0-9a-f]{32}$", batch.Messages[i].ID)
	}
}

func TestBatchOnTimeout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, timers := newBroker(t)

	delivered := &recorder{}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 10, MaxBatchTimeout: time.Second}))
	broker.SetConsumer("q", delivered.consume)

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "lonely"))
	timers.WaitForTasks()
	require.Equal(t, 0, delivered.count())

	timers.AdvanceTime(time.Second)
	timers.WaitForTasks()
	require.Equal(t, 1, delivered.count())
	require.Len(t, delivered.batch(0).Messages, 1)
}

func TestContentTypes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, timers := newBroker(t)

	delivered := &recorder{}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 4}))
	broker.SetConsumer("q", delivered.consume)

	cyclic := structclone.Object{"kind": "cyclic"}
	cyclic["self"] = cyclic

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "plain"))
	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeJSON, map[string]any{"n": 1}))
	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeBytes, []byte{1, 2, 3}))
	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeV8, cyclic))
	timers.WaitForTasks()

	require.Equal(t, 1, delivered.count())
	messages := delivered.batch(0).Messages

	text, err := messages[0].Body.Decode()
	require.NoError(t, err)
	require.Equal(t, "plain", text)

	parsed, err := messages[1].Body.Decode()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": float64(1)}, parsed)

	raw, err := messages[2].Body.Decode()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, raw)

	graph, err := messages[3].Body.Decode()
	require.NoError(t, err)
	object := graph.(structclone.Object)
	require.Equal(t, "cyclic", object["self"].(structclone.Object)["kind"])
}

func TestMessageTooLarge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, _ := newBroker(t)

	oversized := strings.Repeat("x", queue.MaxMessageSize+1)
	err := broker.Send(ctx, "q", queue.ContentTypeText, oversized)
	require.EqualError(t, err, fmt.Sprintf(
		"Queue send failed: message length of %d bytes exceeds limit of 128000", queue.MaxMessageSize+1))
}

func TestRetryAllThenSucceed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, timers := newBroker(t)

	delivered := &recorder{}
	delivered.handle = func(batch *queue.Batch) error {
		if batch.Messages[0].Attempts == 1 {
			batch.RetryAll()
		}
		return nil
	}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 1, MaxRetries: retries(2)}))
	broker.SetConsumer("q", delivered.consume)

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "m"))
	timers.WaitForTasks()

	require.Equal(t, 2, delivered.count())
	require.Equal(t, 1, delivered.batch(0).Messages[0].Attempts)
	require.Equal(t, 2, delivered.batch(1).Messages[0].Attempts)
}

func TestConsumerErrorRetries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, timers := newBroker(t)

	delivered := &recorder{}
	delivered.handle = func(batch *queue.Batch) error {
		return queue.Error.New("handler exploded")
	}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 1, MaxRetries: retries(1)}))
	broker.SetConsumer("q", delivered.consume)

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "m"))
	timers.WaitForTasks()

	// initial delivery plus one retry, then the message is dropped
	require.Equal(t, 2, delivered.count())
}

func TestIndividualRetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	broker, timers := newBroker(t)

	delivered := &recorder{}
	delivered.handle = func(batch *queue.Batch) error {
		for _, message := range batch.Messages {
			if value, _ := message.Body.Decode(); value == "flaky" && message.Attempts == 1 {
				message.Retry()
			}
		}
		return nil
	}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 2, MaxRetries: retries(2)}))
	broker.SetConsumer("q", delivered.consume)

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "stable"))
	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "flaky"))
	timers.WaitForTasks()
	timers.AdvanceTime(time.Second)
	timers.WaitForTasks()

	require.Equal(t, 2, delivered.count())
	redelivered := delivered.batch(1).Messages
	require.Len(t, redelivered, 1)
	value, err := redelivered[0].Body.Decode()
	require.NoError(t, err)
	require.Equal(t, "flaky", value)
	require.Equal(t, 2, redelivered[0].Attempts)
}

func TestDeadLetterAndDrop(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	timers := queue.NewFakeTimers(time.Now().UnixMilli())
	broker := queue.NewBroker(log, timers)

	failing := &recorder{}
	failing.handle = func(batch *queue.Batch) error { return queue.Error.New("always fails") }
	dead := &recorder{}

	require.NoError(t, broker.Configure("main", queue.Options{MaxBatchSize: 1, MaxRetries: retries(1), DeadLetterQueue: "dlq"}))
	require.NoError(t, broker.Configure("dlq", queue.Options{MaxBatchSize: 1}))
	broker.SetConsumer("main", failing.consume)
	broker.SetConsumer("dlq", dead.consume)

	require.NoError(t, broker.Send(ctx, "main", queue.ContentTypeText, "poison"))
	timers.WaitForTasks()

	// delivered twice on main, then moved with attempts reset
	require.Equal(t, 2, failing.count())
	require.Equal(t, 1, dead.count())
	require.Equal(t, 1, dead.batch(0).Messages[0].Attempts)

	var moving, dropped, retrying bool
	for _, entry := range logs.All() {
		switch {
		case strings.Contains(entry.Message, "to dead letter queue \"dlq\" after 2 failed attempts..."):
			moving = true
		case strings.Contains(entry.Message, "Retrying message"):
			retrying = true
		case strings.Contains(entry.Message, "Dropped message"):
			dropped = true
		}
	}
	require.True(t, moving)
	require.True(t, retrying)
	require.False(t, dropped)
}

func TestDropWithoutDeadLetter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	core, logs := observer.New(zap.InfoLevel)
	timers := queue.NewFakeTimers(time.Now().UnixMilli())
	broker := queue.NewBroker(zap.New(core), timers)

	failing := &recorder{}
	failing.handle = func(batch *queue.Batch) error { return queue.Error.New("always fails") }
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 1, MaxRetries: retries(0)}))
	broker.SetConsumer("q", failing.consume)

	require.NoError(t, broker.Send(ctx, "q", queue.ContentTypeText, "m"))
	timers.WaitForTasks()

	require.Equal(t, 1, failing.count())
	var dropped bool
	for _, entry := range logs.All() {
		if strings.Contains(entry.Message, "after 1 failed attempts!") {
			dropped = true
		}
	}
	require.True(t, dropped)
}

func TestConfigureValidation(t *testing.T) {
	broker, _ := newBroker(t)

	err := broker.Configure("q", queue.Options{MaxBatchSize: -5})
	require.True(t, queue.ErrInvalidOptions.Has(err))

	err = broker.Configure("q", queue.Options{MaxBatchSize: 200})
	require.True(t, queue.ErrInvalidOptions.Has(err))

	err = broker.Configure("q", queue.Options{MaxBatchTimeout: -time.Second})
	require.True(t, queue.ErrInvalidOptions.Has(err))

	err = broker.Configure("q", queue.Options{MaxRetries: retries(-1)})
	require.True(t, queue.ErrInvalidOptions.Has(err))

	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: queue.MaxBatchSizeLimit}))
}

func TestDeadLetterCycle(t *testing.T) {
	broker, _ := newBroker(t)

	err := broker.Configure("q", queue.Options{DeadLetterQueue: "q"})
	require.True(t, queue.ErrDeadLetterCycle.Has(err))

	// cycles across different queues are allowed
	require.NoError(t, broker.Configure("a", queue.Options{DeadLetterQueue: "b"}))
	require.NoError(t, broker.Configure("b", queue.Options{DeadLetterQueue: "a"}))
}

func TestBatchLogLine(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	core, logs := observer.New(zap.InfoLevel)
	timers := queue.NewFakeTimers(time.Now().UnixMilli())
	broker := queue.NewBroker(zap.New(core), timers)

	delivered := &recorder{}
	require.NoError(t, broker.Configure("q", queue.Options{MaxBatchSize: 2}))
	broker.SetConsumer("q", delivered.consume)
	require.NoError(t, broker.SendBatch(ctx, "q", queue.ContentTypeText, "a", "b"))
	timers.WaitForTasks()

	var found bool
	for _, entry := range logs.All() {
		if entry.Message == "QUEUE q 2/2 (0ms)" {
			found = true
		}
	}
	require.True(t, found)
}
