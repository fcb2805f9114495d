package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteChat(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq models.ChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: start\ndata: {\"conversationId\":\"c1\"}\n\n")
		_, _ = io.WriteString(w, "event: content\ndata: {\"chunk\":\"Paris\"}\n\n")
		_, _ = io.WriteString(w, "event: complete\ndata: {}\n\n")
	}))
	defer srv.Close()

	r := services.NewRemote(srv.URL+"/", "secret", srv.Client(), discardLogger())
	req := models.ChatRequest{
		History:      []models.HistoryEntry{{Role: models.RoleUser, Content: "Capital of France?"}},
		Mode:         models.ModeResearch,
		ToolsEnabled: true,
		Route:        models.RouteResearch,
	}

	evs := slices.Collect(r.Chat(context.Background(), req))

	assert.Equal(t, "/api/research/stream", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, req.History, gotReq.History)
	assert.Equal(t, models.ModeResearch, gotReq.Mode)
	assert.True(t, gotReq.ToolsEnabled)
	require.Equal(t, []models.EventType{models.EventStart, models.EventContent, models.EventComplete}, types(evs))
}

func TestRemoteChatRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := services.NewRemote(srv.URL, "", srv.Client(), discardLogger())
	evs := slices.Collect(r.Chat(context.Background(), models.ChatRequest{}))

	require.Len(t, evs, 1)
	ed, ok := evs[0].Data.(models.ErrorData)
	require.True(t, ok)
	var te *models.TransportError
	require.True(t, errors.As(ed.Err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestRemoteChatCanceledBeforeConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "event: complete\ndata: {}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := services.NewRemote(srv.URL, "", srv.Client(), discardLogger())
	evs := slices.Collect(r.Chat(ctx, models.ChatRequest{}))
	assert.Empty(t, evs)
}

func TestRemoteUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/upload" {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)

		answer := r.FormValue("prompt") + " | " + r.FormValue("mode") + " | " + hdr.Filename + " | " + string(b)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"response": map[string]string{"answer": answer},
		})
	}))
	defer srv.Close()

	r := services.NewRemote(srv.URL, "", srv.Client(), discardLogger())
	res, err := r.Upload(context.Background(), models.UploadRequest{
		Prompt:   "Summarize",
		Mode:     models.ModeInstant,
		Filename: "notes.txt",
		File:     strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Summarize | instant | notes.txt | hello", res.Answer)
}

func TestRemoteUploadFailures(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
		}))
		defer srv.Close()

		r := services.NewRemote(srv.URL, "", srv.Client(), discardLogger())
		_, err := r.Upload(context.Background(), models.UploadRequest{Filename: "a", File: strings.NewReader("x")})
		var te *models.TransportError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, http.StatusRequestEntityTooLarge, te.StatusCode)
	})

	t.Run("unsuccessful body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"success":false,"error":"unsupported type"}`)
		}))
		defer srv.Close()

		r := services.NewRemote(srv.URL, "", srv.Client(), discardLogger())
		_, err := r.Upload(context.Background(), models.UploadRequest{Filename: "a", File: strings.NewReader("x")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported type")
	})
}
