package model

import (
	"time"
)

// SessionRecord 捕获会话索引表
//
// 会话正文以 JSON 归档文件落盘，数据库只存索引与汇总，
// 供历史查询与清理使用。
type SessionRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`              // 数据库主键（内部使用）
	RunID         string    `gorm:"uniqueIndex;not null" json:"runId"` // 运行业务ID（唯一索引）
	Name          string    `gorm:"not null" json:"name"`              // 会话名称
	FilePath      string    `json:"filePath"`                          // 归档文件路径
	MessageCount  int       `json:"messageCount"`                      // 消息总数
	ResponseCount int       `json:"responseCount"`                     // 携带响应的消息数
	CreatedAt     time.Time `json:"createdAt"`                         // 创建时间
}

// TableName 指定表名
func (SessionRecord) TableName() string {
	return "capture_sessions"
}

// ExchangeRecord 请求/响应摘要表
//
// 每条消息一行摘要，便于按 URL/方法/状态码跨会话检索，
// 完整报文仍在归档文件里。
type ExchangeRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RunID       string    `gorm:"index" json:"runId"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	StatusCode  int       `json:"statusCode"`           // 0 表示无响应
	ContentType string    `json:"contentType"`          // 响应内容类型
	IsIframe    bool      `json:"isIframe"`             // 是否来自 iframe
	IsRedirect  bool      `gorm:"index" json:"isRedirect"`
	BodyError   string    `json:"bodyError"`            // 响应体抓取失败原因
	Timestamp   int64     `gorm:"index" json:"timestamp"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName 指定表名
func (ExchangeRecord) TableName() string {
	return "capture_exchanges"
}
