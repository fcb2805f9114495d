package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI is a backend that produces session events from the OpenAI chat completion API. Streamed
// tool calls are reported as tool_call events; usage is reported on the complete event.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, optional base URL, model
// name, and system prompt.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, history []models.HistoryEntry) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, h := range history {
		if h.Content == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(h.Role),
			Content: h.Content,
		})
	}
	return msgs
}

// Chat is a wrapper around the OpenAI streaming chat completion API.
func (o OpenAI) Chat(ctx context.Context, req models.ChatRequest) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		started := time.Now()
		stream, err := o.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model:         o.model,
			Messages:      openAIMessages(o.systemPrompt, req.History),
			Stream:        true,
			StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.NewEvent(models.ErrorData{
				Message: "Could not reach the model provider.",
				Err:     &models.TransportError{Op: "openai stream", Err: err},
			}))
			return
		}
		defer stream.Close()

		if !yield(models.NewEvent(models.StartData{})) {
			return
		}

		md := &models.Metadata{Model: o.model}
		announced := map[string]bool{}
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.NewEvent(models.ErrorData{
					Message: "The model provider returned an error.",
					Err:     &models.TransportError{Op: "openai receive", Err: err},
				}))
				return
			}

			if response.Usage != nil {
				md.PromptTokens = response.Usage.PromptTokens
				md.CompletionTokens = response.Usage.CompletionTokens
				md.TotalTokens = response.Usage.TotalTokens
			}
			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				if tc.Function.Name == "" || announced[tc.ID] {
					continue
				}
				announced[tc.ID] = true
				if !yield(models.NewEvent(models.ToolCallData{
					Message: fmt.Sprintf("Calling tool %s", tc.Function.Name),
				})) {
					return
				}
			}
			if delta.Content != "" {
				if !yield(models.NewEvent(models.ContentData{Chunk: delta.Content})) {
					return
				}
			}
		}

		md.LatencyMS = time.Since(started).Milliseconds()
		yield(models.NewEvent(models.CompleteData{Metadata: md}))
	}
}

// Upload inlines the file into the prompt and asks for a single non-streaming completion.
func (o OpenAI) Upload(ctx context.Context, req models.UploadRequest) (models.UploadResult, error) {
	data, err := io.ReadAll(req.File)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error reading file: %w", err)
	}

	msgs := openAIMessages(o.systemPrompt, []models.HistoryEntry{
		{Role: models.RoleUser, Content: inlineFilePrompt(req.Prompt, req.Filename, data)},
	})
	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		return models.UploadResult{}, &models.TransportError{Op: "openai upload", Err: err}
	}
	if len(resp.Choices) == 0 {
		return models.UploadResult{}, errors.New("no choices found")
	}

	return models.UploadResult{Answer: resp.Choices[0].Message.Content}, nil
}
