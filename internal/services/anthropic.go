package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic Messages API. It translates the provider's own
// SSE stream into session events: text deltas become content, thinking deltas become reasoning.
type Anthropic struct {
	apiKey         string
	model          string
	systemPrompt   string
	maxTokens      int
	thinkingBudget int
	baseURL        string

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// AnthropicOption configures an Anthropic backend.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL points the backend at baseURL instead of the public API.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(a *Anthropic) {
		a.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithThinkingBudget enables extended thinking with the given token budget. The thinking stream is
// reported as reasoning. A budget of zero leaves thinking disabled.
func WithThinkingBudget(tokens int) AnthropicOption {
	return func(a *Anthropic) {
		a.thinkingBudget = tokens
	}
}

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, system
// prompt and maximum token limit.
func NewAnthropic(apiKey, model, systemPrompt string, maxTokens int, logger *slog.Logger, opts ...AnthropicOption) Anthropic {
	if logger == nil {
		logger = slog.Default()
	}
	a := Anthropic{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		baseURL:      anthropicAPIEndpoint,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

func anthropicMessages(history []models.HistoryEntry) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(history))
	for _, h := range history {
		if h.Role == models.RoleSystem || h.Content == "" {
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(h.Role),
			Content: h.Content,
		})
	}
	return msgs
}

// Chat streams responses from the Anthropic API for req.History as session events.
func (a Anthropic) Chat(ctx context.Context, req models.ChatRequest) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		started := time.Now()
		resp, err := a.doRequest(ctx, anthropicMessages(req.History), true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.NewEvent(models.ErrorData{
				Message: "Could not reach the model provider.",
				Err:     err,
			}))
			return
		}
		defer resp.Body.Close()

		if !yield(models.NewEvent(models.StartData{})) {
			return
		}

		md := &models.Metadata{Model: a.model}
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.NewEvent(models.ErrorData{
					Message: "Connection to the model provider was lost.",
					Err:     &models.TransportError{Op: "anthropic read", Err: err},
				}))
				return
			}

			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					a.logger.Warn("Skipping malformed error event", slog.String(errLoggerKey, err.Error()))
					continue
				}
				yield(models.NewEvent(models.ErrorData{
					Message: fmt.Sprintf("anthropic error %s: %s", e.Error.Type, e.Error.Message),
				}))
				return
			case "message_stop":
				md.TotalTokens = md.PromptTokens + md.CompletionTokens
				md.LatencyMS = time.Since(started).Milliseconds()
				yield(models.NewEvent(models.CompleteData{Metadata: md}))
				return
			case "message_start", "message_delta", "content_block_start", "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping malformed event",
						slog.String("type", ev.Type),
						slog.String(errLoggerKey, err.Error()))
					continue
				}
				se, ok := a.translate(res, md)
				if !ok {
					continue
				}
				if !yield(se) {
					return
				}
			default:
				continue
			}
		}
	}
}

func (a Anthropic) translate(res anthropicStreamResponse, md *models.Metadata) (models.StreamEvent, bool) {
	switch res.Type {
	case "message_start":
		md.PromptTokens = res.Message.Usage.InputTokens
	case "message_delta":
		md.CompletionTokens = res.Usage.OutputTokens
	case "content_block_start":
		if res.ContentBlock.Type == "tool_use" || res.ContentBlock.Type == "server_tool_use" {
			return models.NewEvent(models.ToolCallData{
				Message: fmt.Sprintf("Calling tool %s", res.ContentBlock.Name),
			}), true
		}
	case "content_block_delta":
		switch res.Delta.Type {
		case "thinking_delta":
			return models.NewEvent(models.ReasoningData{Chunk: res.Delta.Thinking}), true
		case "text_delta":
			return models.NewEvent(models.ContentData{Chunk: res.Delta.Text}), true
		}
	}
	return models.StreamEvent{}, false
}

// Upload inlines the file into the prompt and asks for a single non-streaming answer.
func (a Anthropic) Upload(ctx context.Context, req models.UploadRequest) (models.UploadResult, error) {
	data, err := io.ReadAll(req.File)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error reading file: %w", err)
	}

	resp, err := a.doRequest(ctx, []anthropicMessage{
		{Role: string(models.RoleUser), Content: inlineFilePrompt(req.Prompt, req.Filename, data)},
	}, false)
	if err != nil {
		return models.UploadResult{}, err
	}
	defer resp.Body.Close()

	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.UploadResult{}, fmt.Errorf("error decoding response: %w", err)
	}

	var answer bytes.Buffer
	for _, c := range res.Content {
		if c.Type == "text" {
			answer.WriteString(c.Text)
		}
	}
	return models.UploadResult{Answer: answer.String()}, nil
}

func (a Anthropic) doRequest(ctx context.Context, msgs []anthropicMessage, stream bool) (*http.Response, error) {
	reqBody := anthropicChatRequest{
		Model:     a.model,
		Messages:  msgs,
		Stream:    stream,
		System:    a.systemPrompt,
		MaxTokens: a.maxTokens,
	}
	if a.thinkingBudget > 0 && stream {
		reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: a.thinkingBudget}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &models.TransportError{Op: "anthropic request", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &models.TransportError{
			Op:         "anthropic request",
			StatusCode: resp.StatusCode,
			Err:        errors.New(string(body)),
		}
	}
	return resp, nil
}
