package clock

import (
	"sync"
	"time"
)

// Clock 时间来源，业务层通过注入获取当前时间
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem 返回基于 time.Now 的时钟
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual 手动推进的时钟，用于测试
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual 创建手动时钟
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set 设置当前时间
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Advance 向前推进
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// NowMillis 当前毫秒时间戳
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
