package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"

	"cdpcap/internal/logger"
	"cdpcap/internal/pool"
	"cdpcap/internal/tracker"
	"cdpcap/pkg/domain"
	"cdpcap/pkg/traffic"
)

// pendingTimeout 未完成请求的追踪上限，超时后按半成品收编进会话
const pendingTimeout = 60 * time.Second

// defaultFetchConcurrency 响应体抓取默认并发
const defaultFetchConcurrency = 8

// exchange 一次进行中的请求/响应配对
type exchange struct {
	req  *traffic.RequestData
	resp *traffic.ResponseData
}

// fetchFunc 响应体抓取函数，测试时可注入替身
type fetchFunc func(ctx context.Context, id network.RequestID) ([]byte, error)

// Recorder 把 CDP 网络事件流折叠为有序的流量会话
//
// requestWillBeSent / responseReceived / loadingFinished(Failed) 以
// RequestID 配对；重定向沿用同一 RequestID，上一跳在跟进事件里
// 结算并链接。消息按完成顺序写入会话，响应体抓取推迟到工作池，
// 抓取失败降级为数据记录，绝不让事件循环失败。
type Recorder struct {
	client  *cdp.Client
	filter  *Filter
	frames  *FrameIndex
	pending *tracker.Tracker[*exchange]
	pool    *pool.Pool
	log     logger.Logger
	fetch   fetchFunc

	mu      sync.Mutex
	session *traffic.Session

	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	fetchWG sync.WaitGroup
	streams []interface{ Close() error }
}

// NewRecorder 创建绑定到一条 CDP 连接的录制器
func NewRecorder(client *cdp.Client, sessionName string, cfg domain.CaptureConfig, l logger.Logger) *Recorder {
	if l == nil {
		l = logger.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	p := pool.New(concurrency, 0)
	p.SetLogger(l)

	r := &Recorder{
		client:  client,
		filter:  NewFilter(cfg),
		frames:  NewFrameIndex(),
		pool:    p,
		log:     l,
		session: traffic.NewSession(sessionName),
	}
	r.fetch = r.fetchBody
	r.pending = tracker.New(tracker.Options[*exchange]{
		Timeout: pendingTimeout,
		OnExpire: func(id string, ex *exchange) {
			l.Debug("请求长期未完成，按半成品收编", "requestID", id, "url", ex.req.URL)
			r.emit(ex)
		},
	}, l)
	return r
}

// Session 返回当前会话
func (r *Recorder) Session() *traffic.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Start 开启事件订阅与消费
//
// 必须在导航发生前调用，否则错过早期请求。
func (r *Recorder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.client.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("failed to enable network domain: %w", err)
	}
	if err := r.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable page domain: %w", err)
	}

	// 先铺好帧树，附着时已存在的 iframe 不会经过 frameAttached
	if tree, err := r.client.Page.GetFrameTree(ctx); err == nil {
		r.frames.Seed(tree.FrameTree)
	} else {
		r.log.Warn("获取帧树失败，iframe 标记可能缺失", "error", err)
	}

	reqStream, err := r.client.Network.RequestWillBeSent(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe requestWillBeSent: %w", err)
	}
	respStream, err := r.client.Network.ResponseReceived(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe responseReceived: %w", err)
	}
	finStream, err := r.client.Network.LoadingFinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe loadingFinished: %w", err)
	}
	failStream, err := r.client.Network.LoadingFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe loadingFailed: %w", err)
	}
	attachStream, err := r.client.Page.FrameAttached(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe frameAttached: %w", err)
	}
	detachStream, err := r.client.Page.FrameDetached(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe frameDetached: %w", err)
	}
	r.streams = []interface{ Close() error }{
		reqStream, respStream, finStream, failStream, attachStream, detachStream,
	}

	r.pool.Start(ctx)

	r.loopWG.Add(6)
	go func() {
		defer r.loopWG.Done()
		for {
			ev, err := reqStream.Recv()
			if err != nil {
				return
			}
			r.HandleRequestWillBeSent(ctx, ev)
		}
	}()
	go func() {
		defer r.loopWG.Done()
		for {
			ev, err := respStream.Recv()
			if err != nil {
				return
			}
			r.HandleResponseReceived(ev)
		}
	}()
	go func() {
		defer r.loopWG.Done()
		for {
			ev, err := finStream.Recv()
			if err != nil {
				return
			}
			r.HandleLoadingFinished(ctx, ev)
		}
	}()
	go func() {
		defer r.loopWG.Done()
		for {
			ev, err := failStream.Recv()
			if err != nil {
				return
			}
			r.HandleLoadingFailed(ev)
		}
	}()
	go func() {
		defer r.loopWG.Done()
		for {
			ev, err := attachStream.Recv()
			if err != nil {
				return
			}
			r.frames.Attach(ev.FrameID, ev.ParentFrameID)
		}
	}()
	go func() {
		defer r.loopWG.Done()
		for {
			ev, err := detachStream.Recv()
			if err != nil {
				return
			}
			r.frames.Detach(ev.FrameID)
		}
	}()

	r.log.Info("流量录制已启动", "session", r.session.Name)
	return nil
}

// Stop 停止录制并返回最终会话
//
// 顺序：关流 -> 等消费循环 -> 等在途抓取 -> 收编未完成请求。
// 重复调用安全。
func (r *Recorder) Stop() *traffic.Session {
	for _, s := range r.streams {
		_ = s.Close()
	}
	r.streams = nil
	r.loopWG.Wait()
	r.fetchWG.Wait()

	for _, ex := range r.pending.Drain() {
		r.emit(ex)
	}
	r.pending.Stop()
	r.pool.Stop()
	if r.cancel != nil {
		r.cancel()
	}

	s := r.Session()
	r.log.Info("流量录制已停止", "session", s.Name, "messages", len(s.Messages), "responses", s.ResponseCount())
	return s
}

// HandleRequestWillBeSent 处理请求发出事件
//
// RedirectResponse 非空表示同一 RequestID 的上一跳已被重定向：
// 先结算上一跳（链接 redirected_to、附上重定向响应、立即落会话），
// 再以 redirected_from 链接开启新一跳的追踪。
func (r *Recorder) HandleRequestWillBeSent(ctx context.Context, ev *network.RequestWillBeSentReply) {
	isIframe := r.isIframe(ev.FrameID)
	req := &traffic.RequestData{
		Method:   ev.Request.Method,
		URL:      ev.Request.URL,
		Headers:  decodeHeaders(ev.Request.Headers),
		PostData: requestPostData(ev.Request),
		IsIframe: isIframe,
	}

	if ev.RedirectResponse != nil {
		if prev, ok := r.pending.Get(string(ev.RequestID)); ok {
			prev.req.RedirectedToURL = ev.Request.URL
			prev.resp = r.normalizeResponse(*ev.RedirectResponse, prev.req.IsIframe)
			r.emit(prev)
		}
		req.RedirectedFromURL = ev.RedirectResponse.URL
	}

	r.pending.Set(string(ev.RequestID), &exchange{req: req})
}

// HandleResponseReceived 处理响应头到达事件，此时请求尚未完成
func (r *Recorder) HandleResponseReceived(ev *network.ResponseReceivedReply) {
	ex, ok := r.pending.Peek(string(ev.RequestID))
	if !ok {
		r.log.Debug("响应无对应请求，忽略", "requestID", ev.RequestID, "url", ev.Response.URL)
		return
	}
	ex.resp = r.normalizeResponse(ev.Response, ex.req.IsIframe)
}

// HandleLoadingFinished 处理加载完成事件：落会话并调度响应体抓取
func (r *Recorder) HandleLoadingFinished(ctx context.Context, ev *network.LoadingFinishedReply) {
	ex, ok := r.pending.Get(string(ev.RequestID))
	if !ok {
		return
	}
	r.emit(ex)

	resp := ex.resp
	if resp == nil || resp.IsRedirect() {
		return
	}
	if !r.filter.Allow(resp.ContentType(), resp.Status) {
		return
	}

	id := ev.RequestID
	r.fetchWG.Add(1)
	submitted := r.pool.Submit(func() {
		defer r.fetchWG.Done()
		body, err := r.fetch(ctx, id)
		if err != nil {
			resp.SetBodyError(err.Error())
			return
		}
		resp.SetBody(r.filter.Truncate(body))
	})
	if !submitted {
		r.fetchWG.Done()
		resp.SetBodyError("body fetch dropped: queue full")
	}
}

// HandleLoadingFailed 处理加载失败事件
//
// 消息仍然落会话；已有响应头的话把失败原因记成响应体错误。
func (r *Recorder) HandleLoadingFailed(ev *network.LoadingFailedReply) {
	ex, ok := r.pending.Get(string(ev.RequestID))
	if !ok {
		return
	}
	if ex.resp != nil && ev.ErrorText != "" {
		ex.resp.SetBodyError(ev.ErrorText)
	}
	r.emit(ex)
}

// emit 把一次配对按完成顺序追加进会话
func (r *Recorder) emit(ex *exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Append(&traffic.Message{Request: ex.req, Response: ex.resp})
}

// fetchBody 通过 CDP 拉取响应体，base64 内容就地解码
func (r *Recorder) fetchBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	reply, err := r.client.Network.GetResponseBody(ctx, &network.GetResponseBodyArgs{RequestID: id})
	if err != nil {
		return nil, err
	}
	if reply.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(reply.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		return decoded, nil
	}
	return []byte(reply.Body), nil
}

// normalizeResponse 把 CDP 响应转为领域模型
func (r *Recorder) normalizeResponse(resp network.Response, isIframe bool) *traffic.ResponseData {
	return &traffic.ResponseData{
		URL:      resp.URL,
		Status:   resp.Status,
		Headers:  decodeHeaders(resp.Headers),
		IsIframe: isIframe,
	}
}

func (r *Recorder) isIframe(frameID *page.FrameID) bool {
	if frameID == nil {
		return false
	}
	return r.frames.IsIframe(*frameID)
}

// decodeHeaders 解码 CDP 头部，失败时退化为空映射
func decodeHeaders(raw network.Headers) map[string]string {
	headers := make(map[string]string)
	if len(raw) == 0 {
		return headers
	}
	if err := json.Unmarshal(raw, &headers); err != nil {
		// 个别非字符串值走宽松路径
		var loose map[string]any
		if err := json.Unmarshal(raw, &loose); err != nil {
			return headers
		}
		for k, v := range loose {
			headers[k] = fmt.Sprint(v)
		}
	}
	return headers
}

// requestPostData 统一提取请求体，优先 postData，退化到分段条目拼接
func requestPostData(req network.Request) *string {
	if req.PostData != nil {
		return req.PostData
	}
	if len(req.PostDataEntries) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(*entry.Bytes)
		if err != nil {
			sb.WriteString(*entry.Bytes)
			continue
		}
		sb.Write(decoded)
	}
	s := sb.String()
	return &s
}
