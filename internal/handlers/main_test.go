package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-session/internal/handlers"
	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/services"
	"github.com/MegaGrindStone/chat-session/internal/session"
)

type mockBackend struct {
	mu       sync.Mutex
	events   []models.EventData
	requests []models.ChatRequest

	answer string
}

func (b *mockBackend) Chat(_ context.Context, req models.ChatRequest) iter.Seq[models.StreamEvent] {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	events := b.events
	b.mu.Unlock()

	return func(yield func(models.StreamEvent) bool) {
		for _, d := range events {
			if !yield(models.NewEvent(d)) {
				return
			}
		}
	}
}

func (b *mockBackend) Upload(_ context.Context, req models.UploadRequest) (models.UploadResult, error) {
	data, err := io.ReadAll(req.File)
	if err != nil {
		return models.UploadResult{}, err
	}
	return models.UploadResult{Answer: b.answer + string(data)}, nil
}

func newMain(t *testing.T, backend *mockBackend) (handlers.Main, *session.Session) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := handlers.NewMain(logger)
	sess := session.New(context.Background(), backend, session.Options{
		Store:    services.NewMemory(),
		Logger:   logger,
		OnUpdate: m.PublishMessage,
	})
	m = m.WithSession(sess)

	t.Cleanup(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return m, sess
}

func waitIdle(t *testing.T, sess *session.Session, wantMessages int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !sess.Streaming() && len(sess.Messages()) == wantMessages {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not settle: streaming = %v, messages = %d", sess.Streaming(), len(sess.Messages()))
}

func postForm(handler http.HandlerFunc, url, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			body:       "message=",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Whitespace message",
			method:     http.MethodPost,
			body:       "message=+%09%0A+",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown mode",
			method:     http.MethodPost,
			body:       "message=Hello&mode=turbo",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sess := newMain(t, &mockBackend{})

			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			m.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if n := len(sess.Messages()); n != 0 {
				t.Errorf("HandleChats() appended %d messages, want 0", n)
			}
		})
	}
}

// stuckBackend streams a start event and then blocks until release is closed, ignoring cancellation.
type stuckBackend struct {
	started chan struct{}
	release chan struct{}
}

func (b *stuckBackend) Chat(context.Context, models.ChatRequest) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if !yield(models.NewEvent(models.StartData{})) {
			return
		}
		close(b.started)
		<-b.release
	}
}

func (b *stuckBackend) Upload(context.Context, models.UploadRequest) (models.UploadResult, error) {
	return models.UploadResult{}, nil
}

func TestShutdownHonorsContext(t *testing.T) {
	backend := &stuckBackend{started: make(chan struct{}), release: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := handlers.NewMain(logger)
	sess := session.New(context.Background(), backend, session.Options{Logger: logger})
	m = m.WithSession(sess)

	w := postForm(m.HandleChats, "/chats", "message=Hello")
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	<-backend.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown() took %v, want it bounded by the context", elapsed)
	}

	close(backend.release)
	waitIdle(t, sess, 2)
}

func TestHandleChatsRunsTurn(t *testing.T) {
	backend := &mockBackend{events: []models.EventData{
		models.StartData{ConversationID: "c1"},
		models.ContentData{Chunk: "Paris"},
		models.CompleteData{},
	}}
	m, sess := newMain(t, backend)

	w := postForm(m.HandleChats, "/chats", "message=Capital+of+France%3F&mode=research")
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	waitIdle(t, sess, 2)

	msgs := sess.Messages()
	if msgs[1].Content != "Paris" || msgs[1].Status != models.StatusSuccess {
		t.Errorf("assistant message = %+v, want successful \"Paris\"", msgs[1])
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.requests) != 1 || backend.requests[0].Mode != models.ModeResearch {
		t.Errorf("backend requests = %+v, want one research request", backend.requests)
	}
}

func TestHandleMessages(t *testing.T) {
	backend := &mockBackend{events: []models.EventData{
		models.StartData{ConversationID: "c1"},
		models.ContentData{Chunk: "Use **bold** text"},
		models.DownloadData{FileArtifact: models.FileArtifact{ArtifactID: "f1", Filename: "a.pdf", DownloadURL: "/files/f1"}},
		models.SearchSourcesData{Sources: []models.SourceCitation{{SourceID: "s1", Origin: "web", Locator: "https://example.com"}}},
		models.CompleteData{FollowUpQuestions: []string{"More?"}},
	}}
	m, sess := newMain(t, backend)

	postForm(m.HandleChats, "/chats", "message=Hello")
	waitIdle(t, sess, 2)

	t.Run("JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.HandleMessages(w, httptest.NewRequest(http.MethodGet, "/messages", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("HandleMessages() status = %v, want %v", w.Code, http.StatusOK)
		}

		var res struct {
			ConversationID string           `json:"conversationId"`
			Streaming      bool             `json:"streaming"`
			Messages       []models.Message `json:"messages"`
		}
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatal(err)
		}
		if res.ConversationID != "c1" {
			t.Errorf("conversationId = %q, want %q", res.ConversationID, "c1")
		}
		if res.Streaming {
			t.Error("streaming = true, want false")
		}
		if len(res.Messages) != 2 {
			t.Errorf("messages = %d, want 2", len(res.Messages))
		}
	})

	t.Run("HTML", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.HandleMessages(w, httptest.NewRequest(http.MethodGet, "/messages?format=html", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("HandleMessages() status = %v, want %v", w.Code, http.StatusOK)
		}
		body := w.Body.String()
		for _, want := range []string{"<strong>bold</strong>", "a.pdf", "https://example.com", `data-streaming-state="ended"`} {
			if !strings.Contains(body, want) {
				t.Errorf("HandleMessages() body = %v, want to contain %v", body, want)
			}
		}
	})

	t.Run("Derived views", func(t *testing.T) {
		tests := []struct {
			name     string
			handler  http.HandlerFunc
			wantBody string
		}{
			{"downloads", m.HandleDownloads, `"artifactId":"f1"`},
			{"sources", m.HandleSources, `"sourceId":"s1"`},
			{"follow-ups", m.HandleFollowUps, `["More?"]`},
		}
		for _, tt := range tests {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/"+tt.name, nil))
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("%s body = %v, want to contain %v", tt.name, w.Body.String(), tt.wantBody)
			}
		}
	})
}

func TestHandleDerivedViewsEmpty(t *testing.T) {
	m, _ := newMain(t, &mockBackend{})

	for _, h := range []http.HandlerFunc{m.HandleDownloads, m.HandleSources, m.HandleFollowUps} {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if got := strings.TrimSpace(w.Body.String()); got != "[]" {
			t.Errorf("body = %v, want []", got)
		}
	}
}

func TestHandleUploads(t *testing.T) {
	m, sess := newMain(t, &mockBackend{answer: "Summary of: "})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("prompt", "Summarize"); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("mode", "thinking"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(fw, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	m.HandleUploads(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleUploads() status = %v, want %v: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var res models.Message
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Content != "Summary of: hello" {
		t.Errorf("answer = %q, want %q", res.Content, "Summary of: hello")
	}
	if sess.Mode() != models.ModeThinking {
		t.Errorf("mode = %v, want %v", sess.Mode(), models.ModeThinking)
	}

	msgs := sess.Messages()
	if len(msgs) != 2 || !strings.Contains(msgs[0].Content, "notes.txt") {
		t.Errorf("messages = %+v, want user message describing notes.txt", msgs)
	}
}

func TestHandleUploadsWithoutFile(t *testing.T) {
	m, _ := newMain(t, &mockBackend{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("prompt", "Summarize")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	m.HandleUploads(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("HandleUploads() status = %v, want %v", w.Code, http.StatusBadRequest)
	}
}

func TestHandleClear(t *testing.T) {
	backend := &mockBackend{events: []models.EventData{
		models.StartData{ConversationID: "c1"},
		models.ContentData{Chunk: "Hi"},
		models.CompleteData{},
	}}
	m, sess := newMain(t, backend)

	postForm(m.HandleChats, "/chats", "message=Hello")
	waitIdle(t, sess, 2)

	w := postForm(m.HandleClear, "/clear", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleClear() status = %v, want %v", w.Code, http.StatusNoContent)
	}
	if n := len(sess.Messages()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if id := sess.ConversationID(); id != "" {
		t.Errorf("conversationId = %q, want empty", id)
	}
}

func TestHandleCancelWithoutTurn(t *testing.T) {
	m, _ := newMain(t, &mockBackend{})

	w := postForm(m.HandleCancel, "/cancel", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleCancel() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	w = httptest.NewRecorder()
	m.HandleCancel(w, httptest.NewRequest(http.MethodGet, "/cancel", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("HandleCancel() status = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleHome(t *testing.T) {
	backend := &mockBackend{events: []models.EventData{
		models.ContentData{Chunk: "# Title"},
		models.CompleteData{},
	}}
	m, sess := newMain(t, backend)

	postForm(m.HandleChats, "/chats", "message=Hello")
	waitIdle(t, sess, 2)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Transcript page",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "<h1>Title</h1>",
		},
		{
			name:       "Unknown path",
			url:        "/nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			m.HandleHome(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}
