package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Reasoning template.HTML
	Timestamp time.Time

	StreamingState string
	Downloads      []models.FileArtifact
	Sources        []models.SourceCitation
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Chat</title></head>
<body>
<main id="messages" data-sse="/sse/messages">{{template "transcript" .}}</main>
</body>
</html>`

const transcriptTemplate = `{{range .}}<div class="message {{.Role}}" id="message-{{.ID}}" data-streaming-state="{{.StreamingState}}">
{{if .Reasoning}}<details class="reasoning"><summary>Reasoning</summary>{{.Reasoning}}</details>
{{end}}<div class="content">{{.Content}}</div>
<time datetime="{{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}">{{.Timestamp.Format "15:04"}}</time>
{{range .Downloads}}<a class="download" href="{{.DownloadURL}}">{{.Filename}}</a>
{{end}}{{range .Sources}}<a class="source" href="{{.Locator}}">{{.Origin}}</a>
{{end}}</div>
{{end}}`

// HandleHome renders the conversation as a standalone HTML page.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.render(w, "page", m.sess.Snapshot().Messages)
}

func (m Main) renderTranscript(w http.ResponseWriter, messages []models.Message) {
	m.render(w, "transcript", messages)
}

func (m Main) render(w http.ResponseWriter, name string, messages []models.Message) {
	msgs := make([]message, len(messages))
	for i, msg := range messages {
		content, err := m.renderMarkdown(msg.Content)
		if err != nil {
			m.logger.Error("Failed to render contents",
				slog.String("message", fmt.Sprintf("%+v", msg)),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		reasoning, err := m.renderMarkdown(msg.Reasoning)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Streaming state drives the client's loading indicator.
		state := "ended"
		if msg.IsStreaming {
			state = "loading"
		}
		msgs[i] = message{
			ID:             msg.ID,
			Role:           string(msg.Role),
			Content:        content,
			Reasoning:      reasoning,
			Timestamp:      msg.Timestamp,
			StreamingState: state,
			Downloads:      msg.Downloads,
			Sources:        msg.SearchSources,
		}
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, msgs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (m Main) renderMarkdown(src string) (template.HTML, error) {
	if src == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	//nolint:gosec // goldmark escapes raw HTML unless WithUnsafe is set.
	return template.HTML(buf.String()), nil
}
