package capture

import (
	"fmt"
	"strings"

	"cdpcap/pkg/domain"
	"cdpcap/pkg/traffic"
)

// MIMEClass 内容类型归类
//
// 归类粒度沿用经典 HAR 捕获类型：先按精确特征命中具体类别，
// 余下的按 text/ 前缀划入 other_text，其它一律视为二进制。
type MIMEClass string

const (
	ClassHTML        MIMEClass = "html"
	ClassScript      MIMEClass = "script"
	ClassXML         MIMEClass = "xml"
	ClassFlash       MIMEClass = "flash"
	ClassImage       MIMEClass = "image"
	ClassOtherText   MIMEClass = "other_text"
	ClassOtherBinary MIMEClass = "other_binary"
)

// ClassifyMIME 将 content-type 归入捕获类别
func ClassifyMIME(contentType string) MIMEClass {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case strings.Contains(ct, "html"):
		return ClassHTML
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "ecmascript"):
		return ClassScript
	case strings.Contains(ct, "xml"):
		return ClassXML
	case strings.Contains(ct, "shockwave-flash"), strings.Contains(ct, "vnd.adobe.flash"):
		return ClassFlash
	case strings.HasPrefix(ct, "image/"):
		return ClassImage
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "x-www-form-urlencoded"):
		return ClassOtherText
	default:
		return ClassOtherBinary
	}
}

// StatusClass 将状态码归入 "Nxx" 类别，范围外返回空串
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return ""
	}
	return fmt.Sprintf("%dxx", status/100)
}

// Filter 响应体捕获过滤器
//
// 只决定是否抓取响应体，消息本身总是被记录。
type Filter struct {
	includeMIME   map[MIMEClass]struct{}
	includeStatus map[string]struct{}
	maxPayload    int
}

// NewFilter 按配置创建过滤器，空白名单回退到默认值
func NewFilter(cfg domain.CaptureConfig) *Filter {
	mimes := cfg.IncludeMIME
	if len(mimes) == 0 {
		mimes = traffic.DefaultIncludeMIME
	}
	statuses := cfg.IncludeStatus
	if len(statuses) == 0 {
		statuses = traffic.DefaultIncludeStatus
	}
	maxPayload := cfg.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = traffic.MaxPayloadSize
	}

	f := &Filter{
		includeMIME:   make(map[MIMEClass]struct{}, len(mimes)),
		includeStatus: make(map[string]struct{}, len(statuses)),
		maxPayload:    maxPayload,
	}
	for _, m := range mimes {
		f.includeMIME[MIMEClass(strings.ToLower(m))] = struct{}{}
	}
	for _, s := range statuses {
		f.includeStatus[strings.ToLower(s)] = struct{}{}
	}
	return f
}

// AllowMIME 内容类型是否在捕获白名单内
func (f *Filter) AllowMIME(contentType string) bool {
	_, ok := f.includeMIME[ClassifyMIME(contentType)]
	return ok
}

// AllowStatus 状态码是否在捕获白名单内
func (f *Filter) AllowStatus(status int) bool {
	class := StatusClass(status)
	if class == "" {
		return false
	}
	_, ok := f.includeStatus[class]
	return ok
}

// Allow 响应是否应抓取响应体
func (f *Filter) Allow(contentType string, status int) bool {
	return f.AllowMIME(contentType) && f.AllowStatus(status)
}

// Truncate 把响应体裁剪到保留上限以内
func (f *Filter) Truncate(body []byte) []byte {
	if len(body) <= f.maxPayload {
		return body
	}
	return body[:f.maxPayload]
}
