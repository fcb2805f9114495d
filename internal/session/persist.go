package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"golang.org/x/time/rate"
)

// Store is the durable key-value storage the session snapshot is written to.
type Store interface {
	// Get returns the value stored under key. The boolean is false if the key was never set.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// AtomicStore is implemented by stores that can write several keys at once.
type AtomicStore interface {
	SetAll(ctx context.Context, kv map[string]string) error
}

const (
	// MessagesKey holds the JSON array of the most recent messages.
	MessagesKey = "chat.messages"
	// ConversationIDKey holds the backend-assigned conversation id.
	ConversationIDKey = "chat.conversationId"

	DefaultMaxMessages     = 100
	DefaultPersistInterval = 500 * time.Millisecond
)

type persister struct {
	store       Store
	maxMessages int
	limiter     *rate.Limiter

	logger *slog.Logger
}

func newPersister(store Store, maxMessages int, interval time.Duration, logger *slog.Logger) persister {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return persister{
		store:       store,
		maxMessages: maxMessages,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger,
	}
}

// hydrate loads the persisted session. A missing or corrupt snapshot yields an empty session.
// Restored messages are never streaming.
func (p persister) hydrate(ctx context.Context) models.Session {
	if p.store == nil {
		return models.Session{}
	}

	raw, found, err := p.store.Get(ctx, MessagesKey)
	if err != nil {
		p.logger.Warn("Failed to load messages, starting empty", slog.String(errLoggerKey, err.Error()))
		return models.Session{}
	}

	var msgs []models.Message
	if found && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			p.logger.Warn("Corrupt message snapshot, starting empty", slog.String(errLoggerKey, err.Error()))
			return models.Session{}
		}
	}

	convID, _, err := p.store.Get(ctx, ConversationIDKey)
	if err != nil {
		p.logger.Warn("Failed to load conversation id", slog.String(errLoggerKey, err.Error()))
		convID = ""
	}

	for i := range msgs {
		m := &msgs[i]
		if m.IsStreaming || m.Status == models.StatusStreaming {
			m.Status = models.StatusAborted
		}
		if m.Status == "" {
			m.Status = models.StatusSuccess
		}
		m.IsStreaming = false
		m.ToolStatus = ""
	}

	return models.Session{ConversationID: convID, Messages: msgs}
}

// save writes the snapshot of l. Unless force is set, writes are throttled and a skipped write is
// picked up by the next one. Failures are logged.
func (p persister) save(ctx context.Context, l *ledger, force bool) {
	if p.store == nil {
		return
	}
	if !force && !p.limiter.Allow() {
		return
	}

	b, err := json.Marshal(l.tail(p.maxMessages))
	if err != nil {
		p.logger.Error("Failed to marshal messages", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := p.write(ctx, string(b), l.conversationID); err != nil {
		p.logger.Error("Failed to persist session", slog.String(errLoggerKey, err.Error()))
	}
}

// clear overwrites the snapshot with an empty session.
func (p persister) clear(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	return p.write(ctx, "[]", "")
}

func (p persister) write(ctx context.Context, messages, conversationID string) error {
	if as, ok := p.store.(AtomicStore); ok {
		return as.SetAll(ctx, map[string]string{
			MessagesKey:       messages,
			ConversationIDKey: conversationID,
		})
	}
	if err := p.store.Set(ctx, MessagesKey, messages); err != nil {
		return fmt.Errorf("failed to set messages: %w", err)
	}
	if err := p.store.Set(ctx, ConversationIDKey, conversationID); err != nil {
		return fmt.Errorf("failed to set conversation id: %w", err)
	}
	return nil
}
