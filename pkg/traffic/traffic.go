// Package traffic 定义 HTTP 流量捕获的领域模型
//
// 模型以"请求/响应对"为基本单元组织为有序会话，重定向以 URL 引用
// 的形式在相邻请求之间链接，响应体与抓取失败原因互斥存储。
package traffic

import (
	"fmt"
	"strconv"
	"strings"

	"cdpcap/pkg/domain"
	"cdpcap/pkg/errx"
)

// MaxPayloadSize 响应体保留上限（字节），超出部分截断
const MaxPayloadSize = 4000

// DefaultIncludeMIME 默认捕获的 MIME 类别
var DefaultIncludeMIME = []string{"html", "script", "xml", "flash", "other_text"}

// DefaultIncludeStatus 默认捕获的状态码类别
var DefaultIncludeStatus = []string{"2xx", "3xx", "4xx", "5xx"}

// RedirectRef 重定向链接引用，只携带对端 URL
//
// 重定向链上的相邻请求通过它互相指向，不持有完整的请求对象，
// 避免序列化时的环状引用。
type RedirectRef struct {
	URL string
}

// RequestData 一次 HTTP 请求
type RequestData struct {
	Method   string
	URL      string
	Headers  map[string]string
	PostData *string
	// RedirectedFromURL 触发本请求的上一跳 URL，非重定向时为空
	RedirectedFromURL string
	// RedirectedToURL 本请求被重定向后的下一跳 URL，未发生重定向时为空
	RedirectedToURL string
	IsIframe        bool
}

// RedirectedFrom 返回上一跳引用，无重定向来源时为 nil
func (r *RequestData) RedirectedFrom() *RedirectRef {
	if r.RedirectedFromURL == "" {
		return nil
	}
	return &RedirectRef{URL: r.RedirectedFromURL}
}

// RedirectedTo 返回下一跳引用，未被重定向时为 nil
func (r *RequestData) RedirectedTo() *RedirectRef {
	if r.RedirectedToURL == "" {
		return nil
	}
	return &RedirectRef{URL: r.RedirectedToURL}
}

// Render 渲染请求的可读文本
func (r *RequestData) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Request]: %s %s\n", r.Method, r.URL)
	if r.RedirectedFromURL != "" {
		fmt.Fprintf(&b, "Redirected from: %s\n", r.RedirectedFromURL)
	}
	if r.RedirectedToURL != "" {
		fmt.Fprintf(&b, "Redirecting to: %s\n", r.RedirectedToURL)
	}
	if r.IsIframe {
		b.WriteString("From iframe\n")
	}
	return b.String()
}

// ResponseData 一次 HTTP 响应
//
// 响应体与抓取失败原因互斥：任一方被设置后另一方的写入被忽略，
// 读取方通过 Body 统一拿到数据或错误。
type ResponseData struct {
	URL      string
	Status   int
	Headers  map[string]string
	IsIframe bool

	body    []byte
	hasBody bool
	bodyErr string
}

// SetBody 记录抓取到的响应体；已记录失败原因时忽略
func (r *ResponseData) SetBody(body []byte) {
	if r.bodyErr != "" {
		return
	}
	r.body = body
	r.hasBody = true
}

// SetBodyError 记录响应体抓取失败的原因；已有响应体时忽略
func (r *ResponseData) SetBodyError(reason string) {
	if r.hasBody {
		return
	}
	r.bodyErr = reason
}

// Body 返回响应体
//
// 抓取曾经失败时按原因重新构造 CAPTURE 错误返回；
// 既无响应体也无失败记录时返回 ErrBodyUnavailable。
func (r *ResponseData) Body() ([]byte, error) {
	if r.bodyErr != "" {
		return nil, errx.New(errx.CodeCapture, r.bodyErr)
	}
	if !r.hasBody {
		return nil, domain.ErrBodyUnavailable
	}
	return r.body, nil
}

// BodyError 返回抓取失败原因，无失败时为空串
func (r *ResponseData) BodyError() string { return r.bodyErr }

// HasBody 返回是否已记录响应体
func (r *ResponseData) HasBody() bool { return r.hasBody }

// IsRedirect 返回是否为重定向响应
func (r *ResponseData) IsRedirect() bool { return r.Status >= 300 && r.Status < 400 }

// ContentType 从响应头取内容类型，大小写不敏感
func (r *ResponseData) ContentType() string {
	return headerLookup(r.Headers, "content-type")
}

// ContentLength 返回内容长度
//
// 优先使用响应头声明，缺失或不可解析时退化为已抓取响应体的长度。
func (r *ResponseData) ContentLength() int {
	if v := headerLookup(r.Headers, "content-length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if r.hasBody {
		return len(r.body)
	}
	return 0
}

// Render 渲染响应的可读文本，重定向响应不渲染响应体
func (r *ResponseData) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Response]: %s %d\n", r.URL, r.Status)
	if r.IsIframe {
		b.WriteString("From iframe\n")
	}
	switch {
	case r.IsRedirect():
		b.WriteString("[Redirect response - no body]")
	case r.bodyErr != "":
		fmt.Fprintf(&b, "[Error getting response body: %s]", r.bodyErr)
	case r.hasBody:
		b.Write(r.body)
	}
	return b.String()
}

func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Message 一对请求/响应；响应可能缺失（请求失败或尚未完成）
type Message struct {
	Request  *RequestData
	Response *ResponseData
}

// Render 渲染完整消息
func (m *Message) Render() string {
	var b strings.Builder
	if m.Request != nil {
		b.WriteString(m.Request.Render())
	}
	if m.Response != nil {
		b.WriteString(m.Response.Render())
	}
	return b.String()
}

// Session 一次捕获会话，消息按完成顺序保存
type Session struct {
	Name     string
	Messages []*Message
}

// NewSession 创建命名会话
func NewSession(name string) *Session {
	return &Session{Name: name}
}

// Append 追加一条消息，保持先来后到的顺序
func (s *Session) Append(msg *Message) {
	s.Messages = append(s.Messages, msg)
}

// ResponseCount 返回携带响应的消息数量
func (s *Session) ResponseCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Response != nil {
			n++
		}
	}
	return n
}

// Render 渲染整个会话，消息之间以空行分隔
func (s *Session) Render() string {
	parts := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		parts = append(parts, m.Render())
	}
	return strings.Join(parts, "\n\n")
}
