package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama is a backend that produces session events from a local Ollama server. Text wrapped in
// <think> tags is reported as reasoning; image uploads are sent to the model as a vision prompt.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Host returns the URL of the Ollama server.
func (o Ollama) Host() string {
	return o.host
}

// Chat streams the model's answer to req.History as session events, ending with either a complete
// event carrying usage counters or an error event.
func (o Ollama) Chat(ctx context.Context, req models.ChatRequest) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if !yield(models.NewEvent(models.StartData{})) {
			return
		}

		t := true
		chatReq := api.ChatRequest{
			Model:    o.model,
			Messages: o.messages(req.History),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		started := time.Now()
		stopped := false
		var split thinkSplitter
		var final api.ChatResponse

		err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			for _, tc := range res.Message.ToolCalls {
				if !yield(models.NewEvent(models.ToolCallData{
					Message: fmt.Sprintf("Calling tool %s", tc.Function.Name),
				})) {
					stopped = true
					cancel()
					return nil
				}
			}
			for _, ev := range split.feed(res.Message.Content) {
				if !yield(ev) {
					stopped = true
					cancel()
					return nil
				}
			}
			if res.Done {
				final = res
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.NewEvent(models.ErrorData{
				Message: "The model server returned an error.",
				Err:     &models.TransportError{Op: "ollama chat", Err: err},
			}))
			return
		}
		for _, ev := range split.flush() {
			if !yield(ev) {
				return
			}
		}

		yield(models.NewEvent(models.CompleteData{
			Metadata: &models.Metadata{
				Model:            o.model,
				PromptTokens:     final.PromptEvalCount,
				CompletionTokens: final.EvalCount,
				TotalTokens:      final.PromptEvalCount + final.EvalCount,
				LatencyMS:        time.Since(started).Milliseconds(),
			},
		}))
	}
}

// Upload sends the file to the model in a single non-streaming call. Images are attached as vision
// input; any other file is inlined into the prompt as text.
func (o Ollama) Upload(ctx context.Context, req models.UploadRequest) (models.UploadResult, error) {
	data, err := io.ReadAll(req.File)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error reading file: %w", err)
	}

	msg := api.Message{Role: string(models.RoleUser)}
	if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(req.Filename))) {
		msg.Content = req.Prompt
		msg.Images = []api.ImageData{data}
	} else {
		msg.Content = inlineFilePrompt(req.Prompt, req.Filename, data)
	}

	f := false
	chatReq := api.ChatRequest{
		Model:    o.model,
		Messages: append(o.messages(nil), msg),
		Stream:   &f,
	}

	var sb strings.Builder
	if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		return models.UploadResult{}, &models.TransportError{Op: "ollama upload", Err: err}
	}

	var split thinkSplitter
	var answer strings.Builder
	for _, ev := range append(split.feed(sb.String()), split.flush()...) {
		if c, ok := ev.Data.(models.ContentData); ok {
			answer.WriteString(c.Chunk)
		}
	}
	return models.UploadResult{Answer: strings.TrimSpace(answer.String())}, nil
}

func (o Ollama) messages(history []models.HistoryEntry) []api.Message {
	msgs := make([]api.Message, 0, len(history)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, api.Message{
			Role:    string(models.RoleSystem),
			Content: o.systemPrompt,
		})
	}
	for _, h := range history {
		msgs = append(msgs, api.Message{
			Role:    string(h.Role),
			Content: h.Content,
		})
	}
	return msgs
}

func inlineFilePrompt(prompt, filename string, data []byte) string {
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("File: %s\n```\n", filename))
	sb.Write(data)
	sb.WriteString("\n```\n")
	return sb.String()
}

// thinkSplitter turns model output into content and reasoning events, routing text between
// <think> and </think> to reasoning. A chunk ending in what may be the start of a tag is held back
// until the next feed or flush.
type thinkSplitter struct {
	thinking bool
	pending  string
}

func (s *thinkSplitter) feed(chunk string) []models.StreamEvent {
	chunk = s.pending + chunk
	s.pending = ""

	var evs []models.StreamEvent
	for chunk != "" {
		tag := thinkOpenTag
		if s.thinking {
			tag = thinkCloseTag
		}
		before, after, found := strings.Cut(chunk, tag)
		if !found {
			n := len(chunk) - partialTagLen(chunk, tag)
			before, s.pending = chunk[:n], chunk[n:]
		}
		evs = s.emit(evs, before)
		if !found {
			break
		}
		s.thinking = !s.thinking
		chunk = after
	}
	return evs
}

// flush emits whatever feed held back. It is called once the model output is over.
func (s *thinkSplitter) flush() []models.StreamEvent {
	text := s.pending
	s.pending = ""
	return s.emit(nil, text)
}

func (s *thinkSplitter) emit(evs []models.StreamEvent, text string) []models.StreamEvent {
	switch {
	case text == "":
		return evs
	case s.thinking:
		return append(evs, models.NewEvent(models.ReasoningData{Chunk: text}))
	default:
		return append(evs, models.NewEvent(models.ContentData{Chunk: text}))
	}
}

// partialTagLen returns the length of the longest suffix of s that is a proper prefix of tag.
func partialTagLen(s, tag string) int {
	for n := min(len(s), len(tag)-1); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
