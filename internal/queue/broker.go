package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chanpass/fulfillment/internal/clock"
)

const keyPrefix = "chanpass:dispatch:"

// Broker 消息存储后端
type Broker interface {
	// Send 写入消息，delay 后可见
	Send(ctx context.Context, queue string, env *Envelope, delay time.Duration) error
	// Receive 取出至多 max 条可见消息，并在 visibility 内对其他消费者隐藏
	Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Envelope, error)
	// Delete 确认消息
	Delete(ctx context.Context, queue, id string) error
	// Reschedule 更新消息内容并延迟 delay 后重新可见
	Reschedule(ctx context.Context, queue string, env *Envelope, delay time.Duration) error
	// DeadLetter 写入死信队列并从源队列删除
	DeadLetter(ctx context.Context, queue string, dl *DeadLetter) error
	// PeekDeadLetters 查看死信
	PeekDeadLetters(ctx context.Context, queue string, n int) ([]*DeadLetter, error)
	// Redrive 将至多 n 条死信重新投递到源队列
	Redrive(ctx context.Context, queue string, n int) (int, error)
	// Depth 源队列与死信队列长度
	Depth(ctx context.Context, queue string) (pending, dead int64, err error)
}

// receiveScript 取出到期消息并将其可见时间推后，保证同一时刻只有一个消费者持有
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		redis.call('ZADD', KEYS[1], ARGV[3], id)
		table.insert(out, id)
		table.insert(out, body)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out
`)

// RedisBroker 基于 Redis 的 Broker
//
// 每个队列使用三个 key:
//   - schedule: ZSET, score 为可见时间(毫秒)
//   - messages: HASH, id -> 消息 JSON
//   - dlq:      LIST, 死信 JSON
type RedisBroker struct {
	client redis.UniversalClient
	clock  clock.Clock
}

// NewRedisBroker 创建 Redis Broker
func NewRedisBroker(client redis.UniversalClient, clk clock.Clock) *RedisBroker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &RedisBroker{client: client, clock: clk}
}

func scheduleKey(queue string) string { return keyPrefix + queue + ":schedule" }
func messagesKey(queue string) string { return keyPrefix + queue + ":messages" }
func deadLetterKey(queue string) string { return keyPrefix + queue + ":dlq" }

func (b *RedisBroker) visibleAt(delay time.Duration) float64 {
	return float64(b.clock.Now().Add(delay).UnixMilli())
}

// Send 写入消息
func (b *RedisBroker) Send(ctx context.Context, queue string, env *Envelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messagesKey(queue), env.ID, data)
		pipe.ZAdd(ctx, scheduleKey(queue), redis.Z{Score: b.visibleAt(delay), Member: env.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

// Receive 取出可见消息
func (b *RedisBroker) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Envelope, error) {
	now := b.clock.Now()
	raw, err := receiveScript.Run(ctx, b.client,
		[]string{scheduleKey(queue), messagesKey(queue)},
		now.UnixMilli(), max, now.Add(visibility).UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}

	// 脚本返回 id, body 交替排列
	envs := make([]*Envelope, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		var env Envelope
		if err := json.Unmarshal([]byte(raw[i+1]), &env); err != nil {
			// 信封本身损坏，无法重试，直接清理
			_ = b.Delete(ctx, queue, raw[i])
			continue
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

// Delete 确认消息
func (b *RedisBroker) Delete(ctx context.Context, queue, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, scheduleKey(queue), id)
		pipe.HDel(ctx, messagesKey(queue), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", queue, id, err)
	}
	return nil
}

// Reschedule 重新调度消息
func (b *RedisBroker) Reschedule(ctx context.Context, queue string, env *Envelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messagesKey(queue), env.ID, data)
		pipe.ZAdd(ctx, scheduleKey(queue), redis.Z{Score: b.visibleAt(delay), Member: env.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("reschedule %s/%s: %w", queue, env.ID, err)
	}
	return nil
}

// DeadLetter 转入死信队列
func (b *RedisBroker) DeadLetter(ctx context.Context, queue string, dl *DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, deadLetterKey(queue), data)
		pipe.ZRem(ctx, scheduleKey(queue), dl.ID)
		pipe.HDel(ctx, messagesKey(queue), dl.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s/%s: %w", queue, dl.ID, err)
	}
	return nil
}

// PeekDeadLetters 查看死信，不移除
func (b *RedisBroker) PeekDeadLetters(ctx context.Context, queue string, n int) ([]*DeadLetter, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := b.client.LRange(ctx, deadLetterKey(queue), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek dlq %s: %w", queue, err)
	}
	out := make([]*DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Redrive 死信重投，重置重试次数
func (b *RedisBroker) Redrive(ctx context.Context, queue string, n int) (int, error) {
	moved := 0
	for moved < n {
		item, err := b.client.LPop(ctx, deadLetterKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("redrive %s: %w", queue, err)
		}

		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		env := dl.Envelope
		env.AttemptCount = 0
		env.LastError = ""
		if err := b.Send(ctx, queue, &env, 0); err != nil {
			// 放回队首，避免丢失
			b.client.LPush(ctx, deadLetterKey(queue), item)
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Depth 队列长度
func (b *RedisBroker) Depth(ctx context.Context, queue string) (int64, int64, error) {
	pipe := b.client.Pipeline()
	pendingCmd := pipe.ZCard(ctx, scheduleKey(queue))
	deadCmd := pipe.LLen(ctx, deadLetterKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("depth %s: %w", queue, err)
	}
	return pendingCmd.Val(), deadCmd.Val(), nil
}
