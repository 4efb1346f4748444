package capture_test

import (
	"bytes"
	"testing"

	"cdpcap/internal/capture"
	"cdpcap/pkg/domain"
)

// TestClassifyMIME 内容类型归类表
func TestClassifyMIME(t *testing.T) {
	cases := []struct {
		contentType string
		want        capture.MIMEClass
	}{
		{"text/html; charset=utf-8", capture.ClassHTML},
		{"application/xhtml+xml", capture.ClassHTML},
		{"application/javascript", capture.ClassScript},
		{"text/javascript", capture.ClassScript},
		{"application/xml", capture.ClassXML},
		{"text/xml", capture.ClassXML},
		{"application/x-shockwave-flash", capture.ClassFlash},
		{"image/png", capture.ClassImage},
		{"text/plain", capture.ClassOtherText},
		{"text/css", capture.ClassOtherText},
		{"application/json", capture.ClassOtherText},
		{"application/octet-stream", capture.ClassOtherBinary},
		{"font/woff2", capture.ClassOtherBinary},
		{"", capture.ClassOtherBinary},
	}
	for _, tc := range cases {
		if got := capture.ClassifyMIME(tc.contentType); got != tc.want {
			t.Errorf("ClassifyMIME(%q) = %s, want %s", tc.contentType, got, tc.want)
		}
	}
}

// TestStatusClass 状态码类别
func TestStatusClass(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, ""},
		{99, ""},
		{600, ""},
	}
	for _, tc := range cases {
		if got := capture.StatusClass(tc.status); got != tc.want {
			t.Errorf("StatusClass(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

// TestFilter_Defaults 空配置回退到默认白名单
func TestFilter_Defaults(t *testing.T) {
	f := capture.NewFilter(domain.CaptureConfig{})

	allow := []struct {
		contentType string
		status      int
	}{
		{"text/html", 200},
		{"application/javascript", 404},
		{"text/xml", 301},
		{"text/plain", 500},
	}
	for _, tc := range allow {
		if !f.Allow(tc.contentType, tc.status) {
			t.Errorf("默认配置应捕获 %s %d", tc.contentType, tc.status)
		}
	}

	deny := []struct {
		contentType string
		status      int
	}{
		{"image/png", 200},
		{"application/octet-stream", 200},
		{"text/html", 101},
	}
	for _, tc := range deny {
		if f.Allow(tc.contentType, tc.status) {
			t.Errorf("默认配置不应捕获 %s %d", tc.contentType, tc.status)
		}
	}
}

// TestFilter_Custom 自定义白名单收窄捕获范围
func TestFilter_Custom(t *testing.T) {
	f := capture.NewFilter(domain.CaptureConfig{
		IncludeMIME:   []string{"html"},
		IncludeStatus: []string{"2xx"},
	})

	if !f.Allow("text/html", 200) {
		t.Error("html + 2xx 应被捕获")
	}
	if f.Allow("application/javascript", 200) {
		t.Error("script 不在白名单内")
	}
	if f.Allow("text/html", 404) {
		t.Error("4xx 不在白名单内")
	}
}

// TestFilter_Truncate 响应体裁剪
func TestFilter_Truncate(t *testing.T) {
	f := capture.NewFilter(domain.CaptureConfig{MaxPayloadSize: 10})

	long := bytes.Repeat([]byte("a"), 100)
	if got := f.Truncate(long); len(got) != 10 {
		t.Errorf("裁剪后长度应为 10，实际为 %d", len(got))
	}

	short := []byte("short")
	if got := f.Truncate(short); len(got) != 5 {
		t.Errorf("未超限内容不应被裁剪: %d", len(got))
	}
}
