// Package session implements the streaming chat session manager: it drives one streaming turn at a
// time against a backend, folds the turn's events into an append-only ledger of messages, and keeps
// a durable snapshot of that ledger.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/google/uuid"
)

// Backend is the inference service a session talks to. Chat opens one streaming call per turn and
// yields its events in arrival order; the sequence ends after a complete or error event, or
// abruptly. Upload is a single non-streaming call.
type Backend interface {
	Chat(ctx context.Context, req models.ChatRequest) iter.Seq[models.StreamEvent]
	Upload(ctx context.Context, req models.UploadRequest) (models.UploadResult, error)
}

// Options configures a Session. The zero value is usable: no persistence, instant mode.
type Options struct {
	Store           Store
	Mode            models.Mode
	MaxMessages     int
	PersistInterval time.Duration
	Logger          *slog.Logger

	// OnUpdate is called with a copy of every message after it is appended or mutated. It is called
	// outside the session lock, from the goroutine that caused the change.
	OnUpdate func(models.Message)
}

// File is an uploaded file.
type File struct {
	Name    string
	Content io.Reader
}

// Session is one conversation with a backend. All methods are safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	ledger   ledger
	turns    canceller
	persist  persister
	activity models.ToolActivity
	mode     models.Mode

	backend  Backend
	onUpdate func(models.Message)

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	// UploadFailureText is the content of an upload turn whose backend call failed.
	UploadFailureText = "Sorry, the file could not be processed. Please try again."

	defaultUploadPrompt = "Please analyze this file."
)

var errMissingIdentity = errors.New("entry has no id, url or locator")

// New creates a session backed by backend and hydrates it from opts.Store.
func New(ctx context.Context, backend Backend, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "session"))

	mode := opts.Mode
	if mode == "" {
		mode = models.ModeInstant
	}

	s := &Session{
		persist:  newPersister(opts.Store, opts.MaxMessages, opts.PersistInterval, logger),
		mode:     mode,
		backend:  backend,
		onUpdate: opts.OnUpdate,
		logger:   logger,
	}
	s.ledger.restore(s.persist.hydrate(ctx))
	return s
}

// Send starts a turn for text in the session's current mode. See SendMode.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	return s.SendMode(ctx, s.Mode(), text)
}

// SendMode starts a turn for text in mode and blocks until the turn is terminal. Any turn still in
// flight is aborted first, keeping its partial content. Blank text returns models.ErrEmptyInput
// without touching the ledger. Backend and protocol failures never surface as errors: they end the
// turn with a visible message, which is returned.
func (s *Session) SendMode(ctx context.Context, mode models.Mode, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, models.ErrEmptyInput
	}
	hints := Decide(mode, text)

	t, updates := s.beginTurn(ctx, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
		Status:    models.StatusSuccess,
	}, hints)

	s.mu.Lock()
	req := models.ChatRequest{
		History:        s.ledger.history(t.message.ID),
		Mode:           mode,
		ToolsEnabled:   hints.ToolsEnabled,
		ConversationID: s.ledger.conversationID,
		Route:          hints.Route,
	}
	s.mu.Unlock()
	s.notify(updates...)

	s.logger.Debug("Starting turn",
		slog.Uint64("turn", t.id),
		slog.String("mode", string(mode)),
		slog.String("route", string(req.Route)))

	for ev := range s.backend.Chat(t.ctx, req) {
		if !s.apply(t, ev) {
			break
		}
	}
	return s.finish(t), nil
}

// UploadFile starts a turn answered by a single non-streaming backend call. The user message
// describes the upload. A missing file returns models.ErrNoFile; a failed call ends the turn with
// UploadFailureText.
func (s *Session) UploadFile(ctx context.Context, f File, prompt string) (models.Message, error) {
	if f.Name == "" || f.Content == nil {
		return models.Message{}, models.ErrNoFile
	}
	mode := s.Mode()
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultUploadPrompt
	}

	desc := fmt.Sprintf("📎 Uploaded file: %s\n\n%s", f.Name, prompt)
	t, updates := s.beginTurn(ctx, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   desc,
		Timestamp: time.Now(),
		Status:    models.StatusSuccess,
	}, Decide(mode, prompt))
	s.notify(updates...)

	res, err := s.backend.Upload(t.ctx, models.UploadRequest{
		Prompt:   prompt,
		Mode:     mode,
		Filename: f.Name,
		File:     f.Content,
	})

	s.mu.Lock()
	if !s.turns.isActive(t) {
		s.mu.Unlock()
		t.cancel()
		return s.messageCopy(t), nil
	}
	msg := t.message
	switch {
	case t.ctx.Err() != nil:
		finalizeAborted(msg)
	case err != nil:
		s.logger.Error("Upload failed",
			slog.String("file", f.Name),
			slog.String(errLoggerKey, err.Error()))
		msg.Content = UploadFailureText
		finalize(msg, models.StatusError)
	case strings.TrimSpace(res.Answer) == "":
		msg.Content = NoResponseText
		finalize(msg, models.StatusError)
	default:
		msg.Content = res.Answer
		finalize(msg, models.StatusSuccess)
	}
	s.endTurnLocked(t)
	out := msg.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// Cancel aborts the turn in flight, if any. Its partial content is kept.
func (s *Session) Cancel() {
	s.mu.Lock()
	t := s.turns.abort()
	if t == nil {
		s.mu.Unlock()
		return
	}
	finalizeAborted(t.message)
	s.activity = models.ToolActivity{}
	s.persist.save(context.WithoutCancel(t.ctx), &s.ledger, true)
	out := t.message.Clone()
	s.mu.Unlock()

	s.logger.Debug("Turn cancelled", slog.Uint64("turn", t.id))
	s.notify(out)
}

// Clear discards the whole conversation, in memory and in the store. The in-memory session is
// always cleared, even if the store cannot be written.
func (s *Session) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.turns.abort(); t != nil {
		finalizeAborted(t.message)
	}
	s.ledger.reset()
	s.activity = models.ToolActivity{}

	if err := s.persist.clear(ctx); err != nil {
		s.logger.Error("Failed to clear persisted session", slog.String(errLoggerKey, err.Error()))
	}
}

// Messages returns a copy of the ledger.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.tail(0)
}

// Snapshot returns a copy of the whole session.
func (s *Session) Snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.snapshot()
}

// ConversationID returns the backend-assigned conversation id, or "" if none was assigned yet.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.conversationID
}

// AllDownloads returns every message's downloads, in ledger order.
func (s *Session) AllDownloads() []models.FileArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FileArtifact
	for _, m := range s.ledger.messages {
		out = append(out, m.Downloads...)
	}
	return out
}

// AllSources returns every message's cited sources, in ledger order.
func (s *Session) AllSources() []models.SourceCitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SourceCitation
	for _, m := range s.ledger.messages {
		out = append(out, m.SearchSources...)
	}
	return out
}

// LatestFollowUps returns the follow-up questions of the most recent successfully completed
// assistant message.
func (s *Session) LatestFollowUps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range slices.Backward(s.ledger.messages) {
		if m.Role == models.RoleAssistant && m.Status == models.StatusSuccess {
			return slices.Clone(m.FollowUpQuestions)
		}
	}
	return nil
}

// ToolActivity returns the transient tool indicator of the turn in flight.
func (s *Session) ToolActivity() models.ToolActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Streaming reports whether a turn is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns.active != nil
}

// Mode returns the mode used by Send and UploadFile.
func (s *Session) Mode() models.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode changes the mode used by subsequent turns.
func (s *Session) SetMode(mode models.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// beginTurn aborts the turn in flight, appends userMsg and a new streaming assistant message, and
// makes a new turn owning the latter active. It returns the turn and the messages to notify about.
func (s *Session) beginTurn(ctx context.Context, userMsg models.Message, hints models.ToolHints) (*turn, []models.Message) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []models.Message
	if prev := s.turns.abort(); prev != nil {
		finalizeAborted(prev.message)
		updates = append(updates, prev.message.Clone())
		s.logger.Debug("Turn superseded", slog.Uint64("turn", prev.id))
	}

	s.ledger.append(userMsg)
	pending := s.ledger.append(models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleAssistant,
		Timestamp:   now,
		IsStreaming: true,
		Status:      models.StatusStreaming,
	})
	t, _ := s.turns.begin(ctx, pending)
	s.activity = activityFromHints(hints)

	s.persist.save(context.WithoutCancel(ctx), &s.ledger, true)
	updates = append(updates, userMsg.Clone(), pending.Clone())
	return t, updates
}

// apply reduces ev into t's message if t is still the active turn. It reports whether the caller
// should keep consuming events.
func (s *Session) apply(t *turn, ev models.StreamEvent) bool {
	s.mu.Lock()
	if !s.turns.isActive(t) {
		s.mu.Unlock()
		s.logger.Debug("Dropping event of inactive turn",
			slog.Uint64("turn", t.id),
			slog.String("type", string(ev.Type)))
		return false
	}
	if t.ctx.Err() != nil {
		finalizeAborted(t.message)
		s.endTurnLocked(t)
		out := t.message.Clone()
		s.mu.Unlock()
		s.notify(out)
		return false
	}

	msg := t.message
	if ed, ok := ev.Data.(models.ErrorData); ok && ed.Err != nil {
		s.logger.Warn("Turn failed",
			slog.Uint64("turn", t.id),
			slog.Bool("transport", isTransportError(ed.Err)),
			slog.String(errLoggerKey, ed.Err.Error()))
	}

	o := reduce(msg, ev)
	if o.dropped > 0 {
		perr := &models.ProtocolError{EventType: string(ev.Type), Err: errMissingIdentity}
		s.logger.Warn("Dropping entries without identity",
			slog.Uint64("turn", t.id),
			slog.Int("count", o.dropped),
			slog.String(errLoggerKey, perr.Error()))
	}
	if s.ledger.setConversationID(o.conversationID) {
		o.flush = true
	}
	s.activity.Raise(o.tool)
	if o.terminal {
		s.endTurnLocked(t)
	} else if o.changed || o.flush {
		s.persist.save(context.WithoutCancel(t.ctx), &s.ledger, o.flush)
	}
	out := msg.Clone()
	s.mu.Unlock()

	if o.changed {
		s.notify(out)
	}
	return !o.terminal
}

// finish makes sure t's message is terminal once its event sequence is over. A sequence that ended
// without complete or error is finalized with finalizeAbrupt, or as aborted if t was cancelled.
func (s *Session) finish(t *turn) models.Message {
	s.mu.Lock()
	if !s.turns.isActive(t) {
		s.mu.Unlock()
		t.cancel()
		return s.messageCopy(t)
	}

	if t.ctx.Err() != nil {
		finalizeAborted(t.message)
	} else {
		s.logger.Warn("Stream ended without a terminal event", slog.Uint64("turn", t.id))
		finalizeAbrupt(t.message)
	}
	s.endTurnLocked(t)
	out := t.message.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out
}

// endTurnLocked stamps the latency of t's now terminal message, releases t and flushes the
// snapshot. s.mu must be held.
func (s *Session) endTurnLocked(t *turn) {
	msg := t.message
	if msg.Status != models.StatusAborted {
		if msg.Metadata == nil {
			msg.Metadata = &models.Metadata{}
		}
		if msg.Metadata.LatencyMS == 0 {
			msg.Metadata.LatencyMS = time.Since(t.started).Milliseconds()
		}
	}
	s.turns.end(t)
	s.activity = models.ToolActivity{}
	s.persist.save(context.WithoutCancel(t.ctx), &s.ledger, true)
}

func (s *Session) messageCopy(t *turn) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.message.Clone()
}

func isTransportError(err error) bool {
	var te *models.TransportError
	return errors.As(err, &te)
}

func (s *Session) notify(msgs ...models.Message) {
	if s.onUpdate == nil {
		return
	}
	for _, m := range msgs {
		s.onUpdate(m)
	}
}
