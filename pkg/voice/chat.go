package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Chat roles
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ChatMessage is one turn of text conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat. Nil coordinates are sent as null.
type ChatRequest struct {
	Message string        `json:"message"`
	Lat     *float64      `json:"lat"`
	Lng     *float64      `json:"lng"`
	History []ChatMessage `json:"history"`
}

type ChatResponse struct {
	Reply       string  `json:"reply"`
	WidgetToken *string `json:"widget_token"`
}

// ChatClient calls the backend's text chat and health endpoints.
type ChatClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *Logger
}

// NewChatClient creates a client for baseURL. tokens may be nil.
func NewChatClient(baseURL string, tokens TokenSource, logger *Logger) *ChatClient {
	return &ChatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
		tokens: tokens,
		logger: componentLogger(logger, "ChatClient"),
	}
}

// SetTimeout overrides the per-request timeout.
func (cc *ChatClient) SetTimeout(timeout time.Duration) {
	cc.httpClient.Timeout = timeout
}

func (cc *ChatClient) request(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, NewChatError("encode request", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, cc.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, WrapErrorMessage(err, "build request", ErrCodeConfigInvalid)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dishcovery-voice-go/1.0")
	if cc.tokens != nil {
		token, err := cc.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := cc.httpClient.Do(req)
	if err != nil {
		return nil, NewChatError(fmt.Sprintf("%s %s", method, endpoint), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewChatError("read response", err)
	}

	cc.logger.WithFields(map[string]interface{}{
		"method":      method,
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Chat API request")

	if resp.StatusCode >= 400 {
		return nil, httpError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// httpError maps an error response. 429 carries the server's detail
// message as QUOTA_EXCEEDED.
func httpError(status int, body []byte) *Error {
	var payload struct {
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		msg = payload.Detail
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := ErrCodeChatFailed
	if status == http.StatusTooManyRequests {
		code = ErrCodeQuotaExceeded
	}
	return NewError(msg, code).AddDetail("status_code", status)
}

// Send performs one chat turn.
func (cc *ChatClient) Send(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.History == nil {
		req.History = []ChatMessage{}
	}
	body, err := cc.request(ctx, http.MethodPost, "/chat", req)
	if err != nil {
		return nil, err
	}
	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewChatError("decode chat response", err)
	}
	return &out, nil
}

// Health checks GET /health and expects {"status":"ok"}.
func (cc *ChatClient) Health(ctx context.Context) error {
	body, err := cc.request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return NewChatError("decode health response", err)
	}
	if out.Status != "ok" {
		return NewChatError(fmt.Sprintf("backend unhealthy: status %q", out.Status), nil)
	}
	return nil
}
