package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cdpcap/internal/logger"
)

// Pool 并发工作池，通过固定 worker 数限制并发，队列满时丢弃新任务
//
// 响应体抓取是典型用途：抓取走 CDP 往返且可能很慢，用有界队列
// 把背压转化为丢弃而不是阻塞事件消费循环。
type Pool struct {
	sem         chan struct{}
	queue       chan func()
	queueCap    int
	log         logger.Logger
	totalSubmit atomic.Int64
	totalDrop   atomic.Int64
	monitorTick time.Duration
	stopMonitor chan struct{}
	stopOnce    sync.Once
}

// New 创建并发工作池实例
// size: 最大并发协程数，<=0 时不限并发；queueCap: 缓冲队列容量，<=0 时默认为 size * 8
func New(size int, queueCap int) *Pool {
	if size <= 0 {
		return &Pool{}
	}
	if queueCap <= 0 {
		queueCap = size * 8
	}
	return &Pool{
		sem:         make(chan struct{}, size),
		queue:       make(chan func(), queueCap),
		queueCap:    queueCap,
		monitorTick: 30 * time.Second,
	}
}

// SetLogger 设置日志记录器
func (p *Pool) SetLogger(l logger.Logger) {
	p.log = l
}

// Start 启动工作池，创建固定数量的 worker 协程并开启状态监控
func (p *Pool) Start(ctx context.Context) {
	if p.sem == nil {
		return
	}
	for i := 0; i < cap(p.sem); i++ {
		go p.worker(ctx)
	}
	p.stopMonitor = make(chan struct{})
	go p.monitor(ctx)
}

// Stop 停止监控协程，可安全重复调用
func (p *Pool) Stop() {
	if p.stopMonitor == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopMonitor) })
}

// monitor 定期输出工作池状态监控日志
func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopMonitor:
			return
		case <-ticker.C:
			qLen, qCap, submit, drop := p.Stats()
			if p.log != nil && submit > 0 {
				usage := float64(qLen) / float64(qCap) * 100
				dropRate := float64(drop) / float64(submit) * 100
				p.log.Info("抓取工作池状态", "queueLen", qLen, "queueCap", qCap, "usage", fmt.Sprintf("%.1f%%", usage), "totalSubmit", submit, "totalDrop", drop, "dropRate", fmt.Sprintf("%.2f%%", dropRate))
			}
		}
	}
}

// worker 工作协程，从队列中取任务并执行
func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.queue:
			if fn != nil {
				fn()
			}
		}
	}
}

// Submit 提交任务到工作池
//
// 未启用并发限制时直接起协程执行；队列满时丢弃并返回 false，
// 绝不阻塞调用方。
func (p *Pool) Submit(fn func()) bool {
	if p.sem == nil {
		go fn()
		return true
	}
	p.totalSubmit.Add(1)
	select {
	case p.queue <- fn:
		return true
	default:
		drop := p.totalDrop.Add(1)
		if p.log != nil {
			p.log.Warn("抓取队列已满，任务被丢弃", "queueCap", p.queueCap, "totalSubmit", p.totalSubmit.Load(), "totalDrop", drop)
		}
		return false
	}
}

// Stats 返回工作池统计信息
func (p *Pool) Stats() (queueLen, queueCap, totalSubmit, totalDrop int64) {
	if p.sem == nil {
		return 0, 0, 0, 0
	}
	return int64(len(p.queue)), int64(p.queueCap), p.totalSubmit.Load(), p.totalDrop.Load()
}

// IsEnabled 检查工作池是否已启用并发限制
func (p *Pool) IsEnabled() bool {
	return p.sem != nil
}
