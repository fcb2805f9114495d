package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-session/internal/models"
)

// Remote is a backend that talks to the inference service over HTTP. Streaming turns are read as
// server-sent events; uploads are a single multipart request.
type Remote struct {
	baseURL string
	apiKey  string

	client *http.Client

	logger *slog.Logger
}

type remoteUploadResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Response struct {
		Answer  string `json:"answer"`
		Content string `json:"content"`
	} `json:"response"`
}

const errLoggerKey = "err"

var remoteRoutePaths = map[models.Route]string{
	models.RouteChat:     "/api/chat/stream",
	models.RouteAgent:    "/api/agent/stream",
	models.RouteResearch: "/api/research/stream",
}

const remoteUploadPath = "/api/chat/upload"

// NewRemote creates a new Remote backend for the service at baseURL. If client is nil, a default
// http.Client without timeout is used, since streaming turns have no protocol-level deadline.
func NewRemote(baseURL, apiKey string, client *http.Client, logger *slog.Logger) Remote {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger.With(slog.String("module", "remote")),
	}
}

// Chat opens one streaming request for req and yields its decoded events. Failures to connect are
// yielded as a terminal error event; cancellation of ctx ends the sequence without an event.
func (r Remote) Chat(ctx context.Context, req models.ChatRequest) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		resp, err := r.doStreamRequest(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.NewEvent(models.ErrorData{
				Message: "Could not reach the server.",
				Err:     err,
			}))
			return
		}
		defer resp.Body.Close()

		for ev := range ReadEvents(resp.Body, r.logger) {
			r.logger.Debug("Received event", slog.String("type", string(ev.Type)))
			if !yield(ev) {
				return
			}
		}
	}
}

// Upload sends the file with the prompt to the non-streaming upload endpoint and returns the answer.
func (r Remote) Upload(ctx context.Context, req models.UploadRequest) (models.UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("prompt", req.Prompt); err != nil {
		return models.UploadResult{}, fmt.Errorf("error writing prompt field: %w", err)
	}
	if err := mw.WriteField("mode", string(req.Mode)); err != nil {
		return models.UploadResult{}, fmt.Errorf("error writing mode field: %w", err)
	}
	fw, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error creating file field: %w", err)
	}
	if _, err := io.Copy(fw, req.File); err != nil {
		return models.UploadResult{}, fmt.Errorf("error copying file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.UploadResult{}, fmt.Errorf("error closing multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+remoteUploadPath, &body)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	r.authorize(httpReq)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return models.UploadResult{}, &models.TransportError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return models.UploadResult{}, &models.TransportError{
			Op:         "upload",
			StatusCode: resp.StatusCode,
			Err:        errors.New(string(b)),
		}
	}

	var res remoteUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.UploadResult{}, fmt.Errorf("error decoding response: %w", err)
	}
	if !res.Success {
		return models.UploadResult{}, fmt.Errorf("upload failed: %s", res.Error)
	}

	answer := res.Response.Answer
	if answer == "" {
		answer = res.Response.Content
	}
	return models.UploadResult{Answer: answer}, nil
}

func (r Remote) doStreamRequest(ctx context.Context, req models.ChatRequest) (*http.Response, error) {
	path, ok := remoteRoutePaths[req.Route]
	if !ok {
		path = remoteRoutePaths[models.RouteChat]
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	r.logger.Debug("Request Body", slog.String("path", path), slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	r.authorize(httpReq)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &models.TransportError{Op: "open stream", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &models.TransportError{
			Op:         "open stream",
			StatusCode: resp.StatusCode,
			Err:        errors.New(string(body)),
		}
	}

	return resp, nil
}

func (r Remote) authorize(req *http.Request) {
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
}
