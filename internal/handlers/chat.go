package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/session"
)

type messagesResponse struct {
	ConversationID string              `json:"conversationId"`
	Streaming      bool                `json:"streaming"`
	Mode           models.Mode         `json:"mode"`
	ToolActivity   models.ToolActivity `json:"toolActivity"`
	Messages       []models.Message    `json:"messages"`
}

const maxUploadMemory = 32 << 20

// HandleChats starts a turn for the "message" form field, in the mode given by the optional "mode"
// field or the session's current mode. The turn runs in the background and its progress is published
// over SSE; the handler responds with 202 as soon as the turn is scheduled.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	mode, ok := m.formMode(w, r)
	if !ok {
		return
	}

	m.turns.Add(1)
	go m.chat(mode, msg)

	w.WriteHeader(http.StatusAccepted)
}

func (m Main) chat(mode models.Mode, text string) {
	defer m.turns.Done()

	// The turn outlives the request that started it; Cancel and Shutdown end it.
	res, err := m.sess.SendMode(context.Background(), mode, text)
	if err != nil {
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.logger.Debug("Turn finished",
		slog.String("messageID", res.ID),
		slog.String("status", string(res.Status)))
}

// HandleUploads answers a multipart upload: a "file" part, an optional "prompt" and an optional
// "mode" that becomes the session's mode. It blocks until the answer is in and responds with the
// assistant message.
func (m Main) HandleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		m.logger.Error("Failed to parse upload", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	mode, ok := m.formMode(w, r)
	if !ok {
		return
	}
	m.sess.SetMode(mode)

	res, err := m.sess.UploadFile(r.Context(), session.File{Name: hdr.Filename, Content: f}, r.FormValue("prompt"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrNoFile) {
			status = http.StatusBadRequest
		}
		m.logger.Error("Failed to upload file",
			slog.String("file", hdr.Filename),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), status)
		return
	}

	m.writeJSON(w, res)
}

// HandleCancel aborts the turn in flight, if any.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.sess.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear discards the conversation.
func (m Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.sess.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages responds with the conversation as JSON, or as an HTML transcript when the "format"
// query parameter is "html".
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := m.sess.Snapshot()
	if r.URL.Query().Get("format") == "html" {
		m.renderTranscript(w, snap.Messages)
		return
	}

	m.writeJSON(w, messagesResponse{
		ConversationID: snap.ConversationID,
		Streaming:      m.sess.Streaming(),
		Mode:           m.sess.Mode(),
		ToolActivity:   m.sess.ToolActivity(),
		Messages:       snap.Messages,
	})
}

// HandleDownloads responds with every file artifact of the conversation.
func (m Main) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.writeJSON(w, nonNil(m.sess.AllDownloads()))
}

// HandleSources responds with every source citation of the conversation.
func (m Main) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.writeJSON(w, nonNil(m.sess.AllSources()))
}

// HandleFollowUps responds with the follow-up questions of the latest successful answer.
func (m Main) HandleFollowUps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.writeJSON(w, nonNil(m.sess.LatestFollowUps()))
}

// HandleSSE serves Server-Sent Events (SSE) requests by delegating to the underlying SSE server.
// Subscribers receive a "messages" event for every message update.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) formMode(w http.ResponseWriter, r *http.Request) (models.Mode, bool) {
	raw := r.FormValue("mode")
	if raw == "" {
		return m.sess.Mode(), true
	}
	mode, err := models.ParseMode(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return mode, true
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
