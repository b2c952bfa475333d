// Package llm implements the model-pool dispatcher: named pools of
// chat-completion endpoints with load balancing, per-endpoint circuit
// breaking, and graph-node to pool routing.
package llm

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

// Message roles in the internal alphabet. They are mapped to the provider's
// wire roles at call time.
const (
	RoleSystem    = "system"
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat-completion conversation.
type Message struct {
	Role    string
	Content string
}

// Caller executes one chat-completion call against a single endpoint. The
// pool owns selection, retry, and health; callers are dumb pipes.
type Caller interface {
	Call(ctx context.Context, messages []Message) (string, error)
}

// HTTPCaller talks to an OpenAI-compatible chat-completion API.
type HTTPCaller struct {
	APIBase     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Client      *http.Client
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func wireRole(role string) string {
	if role == RoleHuman {
		return "user"
	}
	return role
}

// Call posts the conversation to {APIBase}/chat/completions and returns the
// first choice's content.
func (c *HTTPCaller) Call(ctx context.Context, messages []Message) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req := chatRequest{Model: c.Model, Temperature: c.Temperature}
	for _, m := range messages {
		req.Messages = append(req.Messages, wireMessage{Role: wireRole(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	url := strings.TrimRight(c.APIBase, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: call %s: %w", c.Model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: call %s: status %d: %s", c.Model, resp.StatusCode, truncate(respBody, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: call %s: provider error: %s", c.Model, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: call %s: empty choices", c.Model)
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
