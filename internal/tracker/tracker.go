package tracker

import (
	"sort"
	"sync"
	"time"

	"cdpcap/internal/logger"
)

// entry 事务追踪条目
type entry[T any] struct {
	id        string
	startTime time.Time
	data      T
}

// Tracker 事务追踪器，负责管理请求/响应生命周期内的上下文
//
// 条目超过 timeout 未被取走时由后台协程清理，清理前回调 onExpire，
// 调用方可借此把半途而废的事务收编为最终结果。
type Tracker[T any] struct {
	pool     sync.Map
	timeout  time.Duration
	interval time.Duration
	onExpire func(id string, data T)
	log      logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// Options 追踪器配置
type Options[T any] struct {
	// Timeout 条目过期时间，<=0 时取 60s
	Timeout time.Duration
	// Interval 清理巡检间隔，<=0 时取 30s
	Interval time.Duration
	// OnExpire 过期回调，可为 nil
	OnExpire func(id string, data T)
}

// New 创建一个新的事务追踪器
func New[T any](opts Options[T], l logger.Logger) *Tracker[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if l == nil {
		l = logger.NewNop()
	}
	t := &Tracker[T]{
		timeout:  opts.Timeout,
		interval: opts.Interval,
		onExpire: opts.OnExpire,
		log:      l,
		done:     make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Set 存入事务关联数据
func (t *Tracker[T]) Set(id string, data T) {
	t.pool.Store(id, &entry[T]{
		id:        id,
		startTime: time.Now(),
		data:      data,
	})
}

// Get 获取并移除事务数据
func (t *Tracker[T]) Get(id string) (T, bool) {
	val, ok := t.pool.LoadAndDelete(id)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(*entry[T]).data, true
}

// Peek 仅获取事务数据而不移除
func (t *Tracker[T]) Peek(id string) (T, bool) {
	val, ok := t.pool.Load(id)
	if !ok {
		var zero T
		return zero, false
	}
	return val.(*entry[T]).data, true
}

// Delete 手动删除事务数据
func (t *Tracker[T]) Delete(id string) {
	t.pool.Delete(id)
}

// Drain 取走全部剩余条目，按存入时间排序
//
// 用于停机时把尚未完成的事务一次性收编。
func (t *Tracker[T]) Drain() []T {
	entries := make([]*entry[T], 0)
	t.pool.Range(func(key, value any) bool {
		t.pool.Delete(key)
		entries = append(entries, value.(*entry[T]))
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].startTime.Before(entries[j].startTime)
	})
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.data)
	}
	return out
}

// Stop 停止追踪器，释放资源
func (t *Tracker[T]) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// cleanupLoop 定期清理过期事务的后台协程
func (t *Tracker[T]) cleanupLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			now := time.Now()
			t.pool.Range(func(key, value any) bool {
				e := value.(*entry[T])
				if now.Sub(e.startTime) > t.timeout {
					if _, loaded := t.pool.LoadAndDelete(key); loaded && t.onExpire != nil {
						t.onExpire(e.id, e.data)
					}
					t.log.Debug("清理过期事务数据", "id", key, "startTime", e.startTime)
				}
				return true
			})
		}
	}
}
