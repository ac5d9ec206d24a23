// Package llm calls the chat-completion provider for auto summaries and
// metadata suggestion. Both are best-effort collaborators: the ingestion
// path treats their failures as degraded output, never as a hard error.
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

	"github.com/stellarlinkco/memvault/internal/config"
)

const (
	// The provider only sees the head of the document.
	promptTextLimit = 3000

	summaryPrompt = `Summarize the following document in 3-5 sentences, keeping concrete names, dates and figures.

%s`

	suggestPrompt = `This is the content of a document titled '%s'.

%s

Based on this, suggest the following metadata:
- Title
- Tags (as a list of short phrases)
- A short note summarizing the essence or purpose of the document

Respond in this JSON format:
{
  "title": "Your title here",
  "tags": ["tag1", "tag2"],
  "notes": "Your notes here"
}`
)

// Suggestion is the metadata-suggestion output. Missing or malformed keys in
// the provider response come back as zero values.
type Suggestion struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	Notes string   `json:"notes"`
}

// Client produces summaries and metadata suggestions.
type Client interface {
	Summarize(ctx context.Context, text string) (string, error)
	SuggestMetadata(ctx context.Context, text, filename string) (Suggestion, error)
}

type chatClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewClient(cfg config.SuggestConfig) Client {
	return &chatClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
	}
}

func (c *chatClient) Summarize(ctx context.Context, text string) (string, error) {
	out, err := c.complete(ctx, fmt.Sprintf(summaryPrompt, head(text)))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// SuggestMetadata asks the provider for title/tags/notes. A malformed
// response body is not an error: each key defaults independently so a
// partially usable answer still fills what it can.
func (c *chatClient) SuggestMetadata(ctx context.Context, text, filename string) (Suggestion, error) {
	if strings.TrimSpace(text) == "" {
		return Suggestion{}, nil
	}

	out, err := c.complete(ctx, fmt.Sprintf(suggestPrompt, filename, head(text)))
	if err != nil {
		return Suggestion{}, fmt.Errorf("suggest metadata: %w", err)
	}
	return parseSuggestion(out), nil
}

func parseSuggestion(raw string) Suggestion {
	raw = stripCodeFence(raw)

	// Tags may legitimately arrive as a list or as a comma-joined string.
	var loose struct {
		Title any `json:"title"`
		Tags  any `json:"tags"`
		Notes any `json:"notes"`
	}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return Suggestion{}
	}

	var s Suggestion
	if title, ok := loose.Title.(string); ok {
		s.Title = strings.TrimSpace(title)
	}
	if notes, ok := loose.Notes.(string); ok {
		s.Notes = strings.TrimSpace(notes)
	}
	switch tags := loose.Tags.(type) {
	case []any:
		for _, item := range tags {
			if tag, ok := item.(string); ok && strings.TrimSpace(tag) != "" {
				s.Tags = append(s.Tags, strings.TrimSpace(tag))
			}
		}
	case string:
		for _, tag := range strings.Split(tags, ",") {
			if trimmed := strings.TrimSpace(tag); trimmed != "" {
				s.Tags = append(s.Tags, trimmed)
			}
		}
	}
	return s
}

func (c *chatClient) complete(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("missing suggest api key")
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("missing suggest base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing suggest model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a helpful assistant that analyzes documents and generates metadata."},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  c.maxTokens,
		"temperature": 0.4,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}

func head(text string) string {
	runes := []rune(text)
	if len(runes) <= promptTextLimit {
		return text
	}
	return string(runes[:promptTextLimit])
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
