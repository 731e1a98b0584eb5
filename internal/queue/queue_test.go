package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/config"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

type testPayload struct {
	UserID string `json:"user_id"`
}

type fakeHandler struct {
	mu       sync.Mutex
	err      error
	panicMsg string
	calls    int
	dead     []string
}

func (h *fakeHandler) Process(ctx context.Context, msg *Message[testPayload]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	return h.err
}

func (h *fakeHandler) Classify(err error) Disposition {
	return DefaultClassify(err)
}

func (h *fakeHandler) OnDeadLetter(ctx context.Context, msg *Message[testPayload], err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = append(h.dead, msg.Payload.UserID)
}

type queueFixture struct {
	mr     *miniredis.Miniredis
	clock  *clock.Manual
	broker *RedisBroker
	queue  *Queue[testPayload]
}

func setupQueue(t *testing.T, maxRetries int) *queueFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	broker := NewRedisBroker(client, clk)
	cfg := DefaultConfig("test-queue")
	cfg.MaxRetries = maxRetries
	cfg.BackoffCap = 10 * time.Second

	return &queueFixture{
		mr:     mr,
		clock:  clk,
		broker: broker,
		queue:  New[testPayload](broker, cfg, clk),
	}
}

func (f *queueFixture) score(t *testing.T, id string) time.Time {
	t.Helper()
	s, err := f.mr.ZScore(scheduleKey("test-queue"), id)
	require.NoError(t, err)
	return time.UnixMilli(int64(s)).UTC()
}

func TestBackoff(t *testing.T) {
	limit := 300 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, limit},
		{40, limit},
		{-1, 1 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt, limit))
		})
	}
}

func TestDefaultClassify(t *testing.T) {
	assert.Equal(t, DispositionRetry, DefaultClassify(errors.New("connection reset")))
	assert.Equal(t, DispositionRetry, DefaultClassify(bizerr.Transient(nil, "rate limited")))
	assert.Equal(t, DispositionDrop, DefaultClassify(bizerr.ErrMalformedPayload))
	assert.Equal(t, DispositionDeadLetter, DefaultClassify(bizerr.ErrInvalidAddress))
	assert.Equal(t, DispositionDeadLetter, DefaultClassify(bizerr.ErrOrderNotFound))
	assert.Equal(t, DispositionDeadLetter, DefaultClassify(bizerr.Fatal(nil, "order missing")))
}

func TestConsumer_AckOnSuccess(t *testing.T) {
	f := setupQueue(t, 3)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u1"})
	require.NoError(t, err)

	h := &fakeHandler{}
	n, err := NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.calls)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Dead)
}

func TestConsumer_RetryWithBackoff(t *testing.T) {
	f := setupQueue(t, 3)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, testPayload{UserID: "u1"})
	require.NoError(t, err)

	h := &fakeHandler{err: bizerr.Transient(nil, "telegram 429")}
	c := NewConsumer[testPayload](f.queue, h)

	_, err = c.PollOnce(ctx)
	require.NoError(t, err)

	// 第一次失败: attempt 0 -> 延迟 1s
	assert.Equal(t, f.clock.Now().Add(1*time.Second), f.score(t, id))

	// 未到可见时间不会被再次取出
	n, err := c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(1 * time.Second)
	_, err = c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), f.score(t, id))
	assert.Equal(t, 2, h.calls)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Dead)
}

func TestConsumer_BackoffIsCapped(t *testing.T) {
	f := setupQueue(t, 10)
	ctx := context.Background()

	env := &Envelope{ID: "m-cap", Queue: "test-queue", Body: []byte(`{"user_id":"u1"}`), AttemptCount: 6}
	require.NoError(t, f.broker.Send(ctx, "test-queue", env, 0))

	h := &fakeHandler{err: errors.New("network reset")}
	_, err := NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)

	// 2^6 = 64s 超过上限 10s
	assert.Equal(t, f.clock.Now().Add(10*time.Second), f.score(t, "m-cap"))
}

func TestConsumer_ExhaustedRetriesGoToDeadLetter(t *testing.T) {
	f := setupQueue(t, 2)
	ctx := context.Background()

	env := &Envelope{ID: "m-1", Queue: "test-queue", Body: []byte(`{"user_id":"u1"}`), AttemptCount: 2}
	require.NoError(t, f.broker.Send(ctx, "test-queue", env, 0))

	h := &fakeHandler{err: bizerr.Transient(nil, "still failing")}
	_, err := NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Dead)
	assert.False(t, f.mr.Exists(messagesKey("test-queue")))

	dead, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-1", dead[0].ID)
	assert.Equal(t, 2, dead[0].AttemptCount)
	assert.Equal(t, "TRANSIENT", dead[0].ErrorCode)
	assert.Equal(t, f.clock.Now().UnixMilli(), dead[0].DeadLetteredAt)
	assert.Equal(t, []string{"u1"}, h.dead)
}

func TestConsumer_FullRetryCycle(t *testing.T) {
	f := setupQueue(t, 2)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u1"})
	require.NoError(t, err)

	h := &fakeHandler{err: errors.New("boom")}
	c := NewConsumer[testPayload](f.queue, h)

	for i := 0; i < 3; i++ {
		_, err := c.PollOnce(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	// attempt 0, 1 重试，attempt 2 进入死信
	assert.Equal(t, 3, h.calls)
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Dead)
}

func TestConsumer_NonRetryableDeadLettersImmediately(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u2"})
	require.NoError(t, err)

	h := &fakeHandler{err: bizerr.ErrInvalidAddress}
	_, err = NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)

	dead, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 0, dead[0].AttemptCount)
	assert.Equal(t, "INVALID_ADDRESS", dead[0].ErrorCode)
}

func TestConsumer_MalformedPayloadIsDropped(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	env := &Envelope{ID: "bad", Queue: "test-queue", Body: []byte(`"not an object"`)}
	require.NoError(t, f.broker.Send(ctx, "test-queue", env, 0))

	h := &fakeHandler{}
	_, err := NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.calls)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Dead)
}

func TestConsumer_DropDisposition(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u3"})
	require.NoError(t, err)

	h := &fakeHandler{err: bizerr.ErrMalformedPayload}
	_, err = NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Dead)
	assert.Empty(t, h.dead)
}

func TestConsumer_PanicIsRetried(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, testPayload{UserID: "u4"})
	require.NoError(t, err)

	h := &fakeHandler{panicMsg: "nil map"}
	_, err = NewConsumer[testPayload](f.queue, h).PollOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, f.clock.Now().Add(time.Second), f.score(t, id))
}

func TestConsumer_VisibilityHidesInFlightMessages(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u5"})
	require.NoError(t, err)

	envs, err := f.broker.Receive(ctx, "test-queue", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	// 未确认前其他消费者看不到
	envs, err = f.broker.Receive(ctx, "test-queue", 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, envs)

	// 可见性超时后重新投递
	f.clock.Advance(31 * time.Second)
	envs, err = f.broker.Receive(ctx, "test-queue", 10, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestConsumer_BatchIsBounded(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := f.queue.Enqueue(ctx, testPayload{UserID: fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}

	h := &fakeHandler{}
	c := NewConsumer[testPayload](f.queue, h)

	n, err := c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, MaxBatchSize, n)

	n, err = c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 15, h.calls)
}

func TestQueue_Redrive(t *testing.T) {
	f := setupQueue(t, 0)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u6"})
	require.NoError(t, err)

	failing := &fakeHandler{err: errors.New("down")}
	_, err = NewConsumer[testPayload](f.queue, failing).PollOnce(ctx)
	require.NoError(t, err)

	moved, err := f.queue.Redrive(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	ok := &fakeHandler{}
	n, err := NewConsumer[testPayload](f.queue, ok).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Dead)
}

func TestConsumer_StartStop(t *testing.T) {
	f := setupQueue(t, 5)
	f.queue.cfg.PollInterval = 10 * time.Millisecond
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, testPayload{UserID: "u7"})
	require.NoError(t, err)

	h := &fakeHandler{}
	c := NewConsumer[testPayload](f.queue, h)
	c.Start(ctx)

	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(config.QueueConfig{
		Name:              "refund-transaction",
		MaxRetries:        7,
		BackoffCapSeconds: 900,
		BatchSize:         50,
	})
	assert.Equal(t, "refund-transaction", cfg.Name)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 900*time.Second, cfg.BackoffCap)
	assert.Equal(t, MaxBatchSize, cfg.BatchSize)
}

func TestRedisBroker_Failures(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	broker := NewRedisBroker(client, clock.NewManual(time.Unix(0, 0)))

	mock.ExpectLRange(deadLetterKey("q"), 0, 4).SetErr(errors.New("connection refused"))
	_, err := broker.PeekDeadLetters(ctx, "q", 5)
	assert.Error(t, err)

	mock.ExpectLPop(deadLetterKey("q")).SetErr(errors.New("connection refused"))
	moved, err := broker.Redrive(ctx, "q", 3)
	assert.Error(t, err)
	assert.Equal(t, 0, moved)

	mock.ExpectLPop(deadLetterKey("q")).RedisNil()
	moved, err = broker.Redrive(ctx, "q", 3)
	assert.NoError(t, err)
	assert.Equal(t, 0, moved)

	assert.NoError(t, mock.ExpectationsWereMet())
}
