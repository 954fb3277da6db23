// Package agentclient 协调器 HTTP 客户端
//
// Agent 侧接口（注册、心跳、取任务、回报结果）供 mock-agent 使用，
// 运维侧接口（/api/v1/...）供 fleetctl 使用。
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleet-coordinator/internal/shared/model"
)

// APIError 协调器返回的非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus 判断 err 是否为指定状态码的 APIError
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Client 协调器 HTTP 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建客户端；httpClient 为 nil 时使用 30s 超时的默认客户端
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// credentialTransport 自动注入 X-Agent-Credential header
type credentialTransport struct {
	base       http.RoundTripper
	credential string
}

func (t *credentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(model.HeaderAgentCredential, t.credential)
	return t.base.RoundTrip(req)
}

// AgentClient 以某个 Agent 身份调用 Agent 侧接口
type AgentClient struct {
	*Client
	agentID string
}

// ForAgent 返回携带凭证的 Agent 客户端
func (c *Client) ForAgent(agentID, credential string) *AgentClient {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := &http.Client{
		Timeout:   c.httpClient.Timeout,
		Jar:       c.httpClient.Jar,
		Transport: &credentialTransport{base: base, credential: credential},
	}
	return &AgentClient{Client: &Client{baseURL: c.baseURL, httpClient: hc}, agentID: agentID}
}

// ID 返回 Agent ID
func (a *AgentClient) ID() string { return a.agentID }

// do 发送 JSON 请求；out 为 nil 时丢弃响应体
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ============================================================================
// Agent 侧
// ============================================================================

// Register 注册 Agent；未提供凭证时响应中带回协调器签发的凭证
func (c *Client) Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	var resp model.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/agents/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat 上报心跳，返回邮箱中的待执行指令
func (a *AgentClient) Heartbeat(ctx context.Context, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	var resp model.HeartbeatResponse
	if err := a.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(a.agentID)+"/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchTask 获取当前分配的任务；没有任务时返回 nil
func (a *AgentClient) FetchTask(ctx context.Context) (*model.TaskView, error) {
	var resp model.TaskFetchResponse
	if err := a.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(a.agentID)+"/task", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// ReportResult 回报任务结果；任务已被取消时返回 false
func (a *AgentClient) ReportResult(ctx context.Context, report *model.TaskReport) (bool, error) {
	var resp model.ResultResponse
	if err := a.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(a.agentID)+"/task/result", report, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}
