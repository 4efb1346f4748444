package repo

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"cdpcap/internal/storage/model"
	"cdpcap/pkg/traffic"
)

// ExchangeRepo 请求/响应摘要仓库（异步批量写入）
//
// 录制过程中逐条投递摘要，写入在后台协程按批落库，
// 避免事件路径被磁盘 IO 拖慢。
type ExchangeRepo struct {
	db        *gorm.DB
	buffer    []model.ExchangeRecord
	bufferMu  sync.Mutex
	batchSize int
	flushCh   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// ExchangeRepoOptions 摘要仓库配置
type ExchangeRepoOptions struct {
	// BatchSize 触发落库的缓冲阈值，<=0 时取 50
	BatchSize int
	// FlushInterval 定时落库间隔，<=0 时取 5s
	FlushInterval time.Duration
}

// NewExchangeRepo 创建摘要仓库实例并启动异步写入
func NewExchangeRepo(db *gorm.DB, opts ExchangeRepoOptions) *ExchangeRepo {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	r := &ExchangeRepo{
		db:        db,
		buffer:    make([]model.ExchangeRecord, 0, 100),
		batchSize: opts.BatchSize,
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.asyncWriter(opts.FlushInterval)
	return r
}

// asyncWriter 异步批量写入协程
func (r *ExchangeRepo) asyncWriter(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			// 停止前刷新剩余数据
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.flushCh:
			r.flush()
		}
	}
}

// flush 刷新缓冲区到数据库
func (r *ExchangeRepo) flush() {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	toWrite := r.buffer
	r.buffer = make([]model.ExchangeRecord, 0, 100)
	r.bufferMu.Unlock()

	if err := r.db.CreateInBatches(toWrite, 100).Error; err != nil {
		// 摘要丢失可接受，归档文件才是事实来源
		_ = err
	}
}

// Stop 停止异步写入，剩余缓冲落库后返回
func (r *ExchangeRepo) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Record 投递一条消息摘要（异步写入数据库）
func (r *ExchangeRepo) Record(runID string, msg *traffic.Message) {
	if msg == nil || msg.Request == nil {
		return
	}
	rec := model.ExchangeRecord{
		RunID:     runID,
		URL:       msg.Request.URL,
		Method:    msg.Request.Method,
		IsIframe:  msg.Request.IsIframe,
		Timestamp: time.Now().UnixMilli(),
		CreatedAt: time.Now(),
	}
	if resp := msg.Response; resp != nil {
		rec.StatusCode = resp.Status
		rec.ContentType = resp.ContentType()
		rec.IsRedirect = resp.IsRedirect()
		rec.BodyError = resp.BodyError()
	}

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, rec)
	needFlush := len(r.buffer) >= r.batchSize
	r.bufferMu.Unlock()

	if needFlush {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// QueryOptions 查询选项
type QueryOptions struct {
	RunID      string
	URL        string
	Method     string
	StatusCode int
	StartTime  int64
	EndTime    int64
	Offset     int
	Limit      int
}

// Query 查询摘要历史
func (r *ExchangeRepo) Query(opts QueryOptions) ([]model.ExchangeRecord, int64, error) {
	query := r.db.Model(&model.ExchangeRecord{})

	if opts.RunID != "" {
		query = query.Where("run_id = ?", opts.RunID)
	}
	if opts.URL != "" {
		query = query.Where("url LIKE ?", "%"+opts.URL+"%")
	}
	if opts.Method != "" {
		query = query.Where("method = ?", opts.Method)
	}
	if opts.StatusCode > 0 {
		query = query.Where("status_code = ?", opts.StatusCode)
	}
	if opts.StartTime > 0 {
		query = query.Where("timestamp >= ?", opts.StartTime)
	}
	if opts.EndTime > 0 {
		query = query.Where("timestamp <= ?", opts.EndTime)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var records []model.ExchangeRecord
	err := query.Order("timestamp DESC").
		Offset(opts.Offset).
		Limit(opts.Limit).
		Find(&records).Error

	return records, total, err
}

// CleanupOldExchanges 根据保留天数清理旧摘要
func (r *ExchangeRepo) CleanupOldExchanges(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result := r.db.Where("timestamp < ?", cutoff).Delete(&model.ExchangeRecord{})
	return result.RowsAffected, result.Error
}
