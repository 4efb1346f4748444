package traffic

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// 持久化格式的字段名是对外契约，改名即破坏既有归档文件。
// 响应体以 UTF-8 文本落盘，二进制内容经历一次有损转换，
// 读回后字节不保证与抓取时一致，这是格式的已知限制。

type requestDTO struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	PostData       *string           `json:"post_data,omitempty"`
	RedirectedFrom string            `json:"redirected_from,omitempty"`
	RedirectedTo   string            `json:"redirected_to,omitempty"`
	IsIframe       bool              `json:"is_iframe"`
}

type responseDTO struct {
	URL           string            `json:"url"`
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers"`
	ContentType   string            `json:"content_type"`
	ContentLength int               `json:"content_length"`
	IsIframe      bool              `json:"is_iframe"`
	Body          *string           `json:"body,omitempty"`
	BodyError     *string           `json:"body_error,omitempty"`
}

type messageDTO struct {
	Request  *requestDTO  `json:"request"`
	Response *responseDTO `json:"response,omitempty"`
}

type sessionDTO struct {
	Name     string        `json:"name"`
	Messages []*messageDTO `json:"messages"`
}

func toRequestDTO(r *RequestData) *requestDTO {
	if r == nil {
		return nil
	}
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &requestDTO{
		Method:         r.Method,
		URL:            r.URL,
		Headers:        headers,
		PostData:       r.PostData,
		RedirectedFrom: r.RedirectedFromURL,
		RedirectedTo:   r.RedirectedToURL,
		IsIframe:       r.IsIframe,
	}
}

func toResponseDTO(r *ResponseData) *responseDTO {
	if r == nil {
		return nil
	}
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	dto := &responseDTO{
		URL:           r.URL,
		Status:        r.Status,
		Headers:       headers,
		ContentType:   r.ContentType(),
		ContentLength: r.ContentLength(),
		IsIframe:      r.IsIframe,
	}
	// 重定向响应无论是否抓到内容，落盘时一律不带 body 与 body_error
	if r.IsRedirect() {
		return dto
	}
	if r.bodyErr != "" {
		e := r.bodyErr
		dto.BodyError = &e
	} else if r.hasBody {
		body := string(r.body)
		dto.Body = &body
	}
	return dto
}

func fromRequestDTO(d *requestDTO) *RequestData {
	if d == nil {
		return nil
	}
	return &RequestData{
		Method:            d.Method,
		URL:               d.URL,
		Headers:           d.Headers,
		PostData:          d.PostData,
		RedirectedFromURL: d.RedirectedFrom,
		RedirectedToURL:   d.RedirectedTo,
		IsIframe:          d.IsIframe,
	}
}

func fromResponseDTO(d *responseDTO) *ResponseData {
	if d == nil {
		return nil
	}
	r := &ResponseData{
		URL:      d.URL,
		Status:   d.Status,
		Headers:  d.Headers,
		IsIframe: d.IsIframe,
	}
	if d.BodyError != nil {
		r.SetBodyError(*d.BodyError)
	} else if d.Body != nil {
		r.SetBody([]byte(*d.Body))
	}
	return r
}

// MarshalDurable 将会话编码为持久化 JSON（两空格缩进）
func MarshalDurable(s *Session) ([]byte, error) {
	dto := &sessionDTO{
		Name:     s.Name,
		Messages: make([]*messageDTO, 0, len(s.Messages)),
	}
	for _, m := range s.Messages {
		dto.Messages = append(dto.Messages, &messageDTO{
			Request:  toRequestDTO(m.Request),
			Response: toResponseDTO(m.Response),
		})
	}
	return json.MarshalIndent(dto, "", "  ")
}

// UnmarshalDurable 从持久化 JSON 还原会话
func UnmarshalDurable(data []byte) (*Session, error) {
	var dto sessionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	s := NewSession(dto.Name)
	for _, m := range dto.Messages {
		s.Append(&Message{
			Request:  fromRequestDTO(m.Request),
			Response: fromResponseDTO(m.Response),
		})
	}
	return s, nil
}

// WriteFile 将会话写入归档文件
func WriteFile(s *Session, path string) error {
	data, err := MarshalDurable(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile 从归档文件读取会话
func ReadFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalDurable(data)
}

// PeekName 不做完整解码，直接摘取归档中的会话名
func PeekName(data []byte) string {
	return gjson.GetBytes(data, "name").String()
}

// PeekCounts 不做完整解码，统计消息总数与携带响应的消息数
func PeekCounts(data []byte) (messages, responses int) {
	gjson.GetBytes(data, "messages").ForEach(func(_, msg gjson.Result) bool {
		messages++
		if msg.Get("response").Exists() {
			responses++
		}
		return true
	})
	return messages, responses
}

// RedactHeaders 就地脱敏归档中的指定请求/响应头（大小写不敏感）
//
// 命中的头部值统一替换为占位串，其余内容保持原样。
func RedactHeaders(data []byte, names []string) ([]byte, error) {
	const placeholder = "[REDACTED]"

	match := func(key string) bool {
		for _, n := range names {
			if strings.EqualFold(key, n) {
				return true
			}
		}
		return false
	}

	var err error
	gjson.GetBytes(data, "messages").ForEach(func(idx, msg gjson.Result) bool {
		for _, section := range []string{"request", "response"} {
			msg.Get(section + ".headers").ForEach(func(key, _ gjson.Result) bool {
				if !match(key.String()) {
					return true
				}
				path := fmt.Sprintf("messages.%d.%s.headers.%s",
					idx.Int(), section, escapePath(key.String()))
				data, err = sjson.SetBytes(data, path, placeholder)
				return err == nil
			})
			if err != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to redact headers: %w", err)
	}
	return data, nil
}

// escapePath 转义头部名称中的 gjson/sjson 路径元字符
func escapePath(key string) string {
	var b strings.Builder
	for _, c := range key {
		switch c {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
