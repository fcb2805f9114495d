package session

import (
	"github.com/MegaGrindStone/chat-session/internal/models"
)

// ledger is the ordered, append-only list of messages of one conversation. It is not safe for
// concurrent use; Session guards it.
type ledger struct {
	conversationID string
	messages       []*models.Message
}

func (l *ledger) append(msg models.Message) *models.Message {
	m := msg
	l.messages = append(l.messages, &m)
	return &m
}

// setConversationID assigns id if none is set yet. It reports whether the id changed.
func (l *ledger) setConversationID(id string) bool {
	if id == "" || l.conversationID != "" {
		return false
	}
	l.conversationID = id
	return true
}

func (l *ledger) streaming() []*models.Message {
	var out []*models.Message
	for _, m := range l.messages {
		if m.IsStreaming {
			out = append(out, m)
		}
	}
	return out
}

// history returns the (role, content) pairs of every message before the one with id stopAt.
// Messages without content and failed turns showing a placeholder are skipped.
func (l *ledger) history(stopAt string) []models.HistoryEntry {
	var out []models.HistoryEntry
	for _, m := range l.messages {
		if m.ID == stopAt {
			break
		}
		if m.Content == "" || isPlaceholder(m) {
			continue
		}
		out = append(out, models.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}

func isPlaceholder(m *models.Message) bool {
	if m.Role != models.RoleAssistant || m.Status != models.StatusError {
		return false
	}
	switch m.Content {
	case FailureText, NoResponseText, UploadFailureText:
		return true
	}
	return false
}

// tail returns copies of at most n of the most recent messages. n <= 0 means all.
func (l *ledger) tail(n int) []models.Message {
	msgs := l.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func (l *ledger) snapshot() models.Session {
	return models.Session{
		ConversationID: l.conversationID,
		Messages:       l.tail(0),
	}
}

func (l *ledger) restore(s models.Session) {
	l.conversationID = s.ConversationID
	l.messages = make([]*models.Message, len(s.Messages))
	for i := range s.Messages {
		m := s.Messages[i].Clone()
		l.messages[i] = &m
	}
}

func (l *ledger) reset() {
	l.conversationID = ""
	l.messages = nil
}
