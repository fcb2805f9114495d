package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/session"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Session is the conversation the handlers drive. It is implemented by *session.Session.
type Session interface {
	SendMode(ctx context.Context, mode models.Mode, text string) (models.Message, error)
	UploadFile(ctx context.Context, f session.File, prompt string) (models.Message, error)
	Cancel()
	Clear(ctx context.Context)

	Snapshot() models.Session
	AllDownloads() []models.FileArtifact
	AllSources() []models.SourceCitation
	LatestFollowUps() []string
	ToolActivity() models.ToolActivity
	Streaming() bool
	Mode() models.Mode
	SetMode(mode models.Mode)
}

// Main exposes a Session over HTTP. Message updates are pushed to subscribers of the SSE endpoint as
// they happen.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	md        goldmark.Markdown

	sess  Session
	turns *sync.WaitGroup

	logger *slog.Logger
}

const (
	messagesSSETopic = "messages"

	errLoggerKey = "err"
)

var (
	messagesSSEType  = sse.Type("messages")
	closeChatSSEType = sse.Type("closeChat")
)

// NewMain creates a Main with its SSE server and markdown renderer. It must be given a session with
// WithSession before any handler is served; PublishMessage may be used earlier, which lets the
// session's update hook be wired to it.
func NewMain(logger *slog.Logger) Main {
	if logger == nil {
		logger = slog.Default()
	}

	tmpl := template.Must(template.New("transcript").Parse(transcriptTemplate))
	template.Must(tmpl.New("page").Parse(pageTemplate))

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, messagesSSETopic},
				}, true
			},
		},
		templates: tmpl,
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
		),
		turns:  &sync.WaitGroup{},
		logger: logger.With(slog.String("module", "main")),
	}
}

// WithSession returns a copy of m that serves sess.
func (m Main) WithSession(sess Session) Main {
	m.sess = sess
	return m
}

// PublishMessage pushes msg to every SSE subscriber as a "messages" event carrying the message JSON.
func (m Main) PublishMessage(msg models.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("Failed to marshal message",
			slog.String("message", fmt.Sprintf("%+v", msg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(string(b))
	if err := m.sseSrv.Publish(e, messagesSSETopic); err != nil {
		// Publishing fails only once the server is shut down.
		m.logger.Debug("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown aborts the turn in flight and waits for its goroutine until ctx is done, then terminates
// the SSE server. It broadcasts a close message to all connected clients and waits up to 5 seconds
// for connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	waitErr := m.waitTurns(ctx)

	e := &sse.Message{Type: closeChatSSEType}
	// SSE requires data for the event to be dispatched.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second*5)
	defer cancel()

	return errors.Join(waitErr, m.sseSrv.Shutdown(ctx))
}

// waitTurns cancels the session's turn until every chat goroutine has returned. A turn scheduled
// after the first cancel is cancelled on the next tick.
func (m Main) waitTurns(ctx context.Context) error {
	if m.sess == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		m.turns.Wait()
		close(done)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.sess.Cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			m.logger.Warn("Turns still running at shutdown", slog.String(errLoggerKey, ctx.Err().Error()))
			return fmt.Errorf("failed to wait for turns: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
