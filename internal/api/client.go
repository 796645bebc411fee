// Package api 会议后端 HTTP 客户端: 状态查询、运行触发、权威快照、事件流端点。
//
// 响应兼容两种格式:
//
//	{"success":true,"data":{...}}   (gin 统一响应包)
//	{...}                           (裸 JSON)
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

const maxErrorBody = 64 * 1024

// Client 后端 REST 客户端。
type Client struct {
	baseURL string
	rest    *http.Client // 带超时, 用于短请求
	stream  *http.Client // 无超时, 用于长连接事件流
	header  http.Header
}

// Option 客户端选项。
type Option func(*Client)

// WithHTTPClient 替换短请求用的 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.rest = hc
		}
	}
}

// WithStreamClient 替换事件流用的 http.Client。
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.stream = hc
		}
	}
}

// WithTimeout 设置短请求超时。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rest = &http.Client{Timeout: d}
		}
	}
}

// WithHeader 为所有请求附加头 (如鉴权由外部代理注入时的透传头)。
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// New 创建客户端。baseURL 形如 http://host:port。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		rest:    &http.Client{Timeout: 15 * time.Second},
		stream:  &http.Client{},
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL 返回后端地址。
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) meetingPath(id string, suffix string) string {
	return fmt.Sprintf("%s/api/meetings/%s%s", c.baseURL, url.PathEscape(id), suffix)
}

// StreamURL 事件流端点。
func (c *Client) StreamURL(id string) string { return c.meetingPath(id, "/stream") }

// PushURL 双向推送端点 (http→ws, https→wss)。
func (c *Client) PushURL(id string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/ws/meetings/%s", base, url.PathEscape(id))
}

// Header 返回附加请求头副本 (WebSocket 握手复用)。
func (c *Client) Header() http.Header { return c.header.Clone() }

// FetchConversation 权威快照: 按轮次与创建顺序排列的全部消息。
func (c *Client) FetchConversation(ctx context.Context, id string) (meeting.Conversation, error) {
	var conv meeting.Conversation
	if err := c.getJSON(ctx, "API.FetchConversation", c.meetingPath(id, ""), &conv); err != nil {
		return meeting.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = id
	}
	return conv, nil
}

// FetchStatus 状态端点。
func (c *Client) FetchStatus(ctx context.Context, id string) (meeting.StatusReport, error) {
	var report meeting.StatusReport
	err := c.getJSON(ctx, "API.FetchStatus", c.meetingPath(id, "/status"), &report)
	return report, err
}

// TriggerRun 运行触发端点。
func (c *Client) TriggerRun(ctx context.Context, id string, run meeting.PendingRun) error {
	return c.postJSON(ctx, "API.TriggerRun", c.meetingPath(id, "/run"), run)
}

// PostMessage 用户消息 REST 通道 (推送通道不可用时)。
func (c *Client) PostMessage(ctx context.Context, id, content string) error {
	body := map[string]string{"content": content}
	return c.postJSON(ctx, "API.PostMessage", c.meetingPath(id, "/messages"), body)
}

// OpenStream 打开事件流, 返回响应体; 调用者负责关闭。ctx 取消会中断读取。
func (c *Client) OpenStream(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StreamURL(id), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "API.OpenStream", "build request")
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, apperrors.Connection(err, "API.OpenStream", "request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apperrors.Connection(decodeAPIError(resp), "API.OpenStream", "unexpected status")
	}
	return resp.Body, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func (c *Client) getJSON(ctx context.Context, op, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return apperrors.Wrap(err, op, "build request")
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "application/json")
	return c.do(op, req, out)
}

func (c *Client) postJSON(ctx context.Context, op, target string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(err, op, "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(err, op, "build request")
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, nil)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.rest.Do(req)
	if err != nil {
		return apperrors.Connection(err, op, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Wrap(decodeAPIError(resp), op, "unexpected status")
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Connection(err, op, "read body")
	}
	payload, err := unwrapEnvelope(raw)
	if err != nil {
		return apperrors.Protocol(err, op, "decode envelope")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperrors.Protocol(err, op, "decode payload")
	}
	return nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *envelopeError  `json:"error"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func unwrapEnvelope(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	if env.Success == nil {
		return trimmed, nil
	}
	if !*env.Success {
		msg := "request failed"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, apperrors.New("API.envelope", msg)
	}
	if len(env.Data) == 0 {
		return []byte("null"), nil
	}
	return env.Data, nil
}

// decodeAPIError 将非 2xx 响应转为错误, 尽量保留服务端错误码与消息。
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var sentinel error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		sentinel = apperrors.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		sentinel = apperrors.ErrInvalidInput
	case resp.StatusCode == http.StatusConflict:
		sentinel = apperrors.ErrRunInFlight
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		sentinel = apperrors.ErrTimeout
	case resp.StatusCode >= 500:
		sentinel = apperrors.ErrConnection
	}

	msg := strings.TrimSpace(string(raw))
	code := apperrors.CodeHTTP
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		if env.Error.Message != "" {
			msg = env.Error.Message
		}
		if env.Error.Code != "" {
			code = env.Error.Code
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return apperrors.WithCode(sentinel, "API", code, fmt.Sprintf("status %d: %s", resp.StatusCode, msg))
}
