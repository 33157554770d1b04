package voice

import (
	"context"
	"strings"
	"sync"
)

// ChatSender is the part of ChatClient a Conversation needs.
type ChatSender interface {
	Send(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Conversation keeps the text chat history and the latest map-context
// token across turns.
type Conversation struct {
	client     ChatSender
	maxHistory int
	logger     *Logger

	mu          sync.Mutex
	lat, lng    *float64
	history     []ChatMessage
	widgetToken *string
}

// NewConversation creates an empty conversation. maxHistory <= 0 keeps
// every turn.
func NewConversation(client ChatSender, maxHistory int, logger *Logger) *Conversation {
	return &Conversation{
		client:     client,
		maxHistory: maxHistory,
		logger:     componentLogger(logger, "Conversation"),
	}
}

// SetLocation sets the coordinates sent with each turn. Nil means unknown.
func (c *Conversation) SetLocation(lat, lng *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lat, c.lng = lat, lng
}

// Send submits text as a user turn and returns the model's reply. Blank
// text is ignored and returns "". A failed call is recorded as a model
// turn starting with "Sorry, something went wrong" and its error returned.
func (c *Conversation) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	c.mu.Lock()
	c.addToHistory(RoleUser, text)
	req := ChatRequest{
		Message: text,
		Lat:     c.lat,
		Lng:     c.lng,
		History: append([]ChatMessage(nil), c.history...),
	}
	c.mu.Unlock()

	resp, err := c.client.Send(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		reply := "Sorry, something went wrong: " + err.Error()
		c.addToHistory(RoleModel, reply)
		c.logger.WithError(err).Warn("Chat turn failed")
		return reply, err
	}
	c.addToHistory(RoleModel, resp.Reply)
	c.widgetToken = resp.WidgetToken
	return resp.Reply, nil
}

func (c *Conversation) addToHistory(role, content string) {
	if content == "" {
		return
	}
	c.history = append(c.history, ChatMessage{Role: role, Content: content})
	if c.maxHistory > 0 && len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	preview := content
	if len(content) > 50 {
		preview = content[:50] + "..."
	}
	c.logger.WithFields(map[string]interface{}{
		"role":         role,
		"history_size": len(c.history),
	}).Debug("Added to history: " + preview)
}

// History returns a copy of the conversation so far.
func (c *Conversation) History() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.history...)
}

// WidgetToken returns the token from the latest successful reply, or nil.
func (c *Conversation) WidgetToken() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.widgetToken
}

// Clear drops the history and token.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.widgetToken = nil
}
