package repo

import (
	"errors"

	"gorm.io/gorm"

	"cdpcap/internal/storage/model"
)

// SessionRepo 捕获会话索引仓库
type SessionRepo struct {
	db *gorm.DB
}

// NewSessionRepo 创建会话仓库实例
func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Save 写入或更新会话索引（按 RunID 幂等）
func (r *SessionRepo) Save(rec *model.SessionRecord) error {
	var existing model.SessionRecord
	err := r.db.Where("run_id = ?", rec.RunID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return r.db.Save(rec).Error
}

// GetByRunID 按运行ID查询会话
func (r *SessionRepo) GetByRunID(runID string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	if err := r.db.Where("run_id = ?", runID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// List 按创建时间倒序列出会话
func (r *SessionRepo) List(limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []model.SessionRecord
	err := r.db.Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// DeleteByRunID 删除会话索引及其摘要行
func (r *SessionRepo) DeleteByRunID(runID string) error {
	if err := r.db.Where("run_id = ?", runID).Delete(&model.SessionRecord{}).Error; err != nil {
		return err
	}
	return r.db.Where("run_id = ?", runID).Delete(&model.ExchangeRecord{}).Error
}
