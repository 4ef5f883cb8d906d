package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError 服务端返回的业务错误
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livechat api: code=%d status=%d: %s", e.Code, e.Status, e.Message)
}

// Presence GET /api/v1/users/:id/presence 的结果
type Presence struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ReceiptResult 单条已读/送达的结果
type ReceiptResult struct {
	Message *Message `json:"message"`
	Changed bool     `json:"changed"`
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPClient 访问 /api/v1，实现 Persister
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient hc 为 nil 时使用带 10 秒超时的默认客户端
func NewHTTPClient(baseURL, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

var _ Persister = (*HTTPClient)(nil)

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK || res.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: res.Code, Message: res.Message}
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	return json.Unmarshal(res.Data, out)
}

func (c *HTTPClient) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *HTTPClient) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage 只有发送者能删除
func (c *HTTPClient) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/messages/"+url.PathEscape(id), nil, nil)
}

// AddGroupMember 返回加入后的成员列表
func (c *HTTPClient) AddGroupMember(ctx context.Context, groupID, userID string) ([]string, error) {
	var out struct {
		Members []string `json:"members"`
	}
	body := map[string]string{"userId": userID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(groupID)+"/members", body, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *HTTPClient) ToggleReaction(ctx context.Context, messageID, symbol string) (*Message, error) {
	var msg Message
	body := map[string]string{"emoji": symbol}
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages/"+url.PathEscape(messageID)+"/reactions", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages limit<=0 使用服务端默认值
func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		List []*Message `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, messageID string) (*ReceiptResult, error) {
	var out ReceiptResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages/"+url.PathEscape(messageID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) MarkDelivered(ctx context.Context, messageID string) (*ReceiptResult, error) {
	var out ReceiptResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages/"+url.PathEscape(messageID)+"/delivered", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkConversationRead 返回本次新标记为已读的消息 ID
func (c *HTTPClient) MarkConversationRead(ctx context.Context, conversationID string) ([]string, error) {
	var out struct {
		Marked []string `json:"marked"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return out.Marked, nil
}

func (c *HTTPClient) UserPresence(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/presence", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *HTTPClient) OnlineUsers(ctx context.Context) ([]string, error) {
	var out struct {
		UserIDs []string `json:"userIds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/presence", nil, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}
