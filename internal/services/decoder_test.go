package services_test

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/MegaGrindStone/chat-session/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(r io.Reader) []models.StreamEvent {
	return slices.Collect(services.ReadEvents(r, discardLogger()))
}

func types(evs []models.StreamEvent) []models.EventType {
	out := make([]models.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestReadEventsNamedEvents(t *testing.T) {
	stream := "event: start\ndata: {\"conversationId\":\"c1\"}\n\n" +
		"event: content\ndata: {\"chunk\":\"Par\"}\n\n" +
		"event: content\ndata: {\"chunk\":\"is\"}\n\n" +
		"event: complete\ndata: {}\n\n"

	evs := collect(strings.NewReader(stream))
	require.Equal(t, []models.EventType{
		models.EventStart, models.EventContent, models.EventContent, models.EventComplete,
	}, types(evs))
	assert.Equal(t, models.StartData{ConversationID: "c1"}, evs[0].Data)
	assert.Equal(t, models.ContentData{Chunk: "is"}, evs[2].Data)
}

func TestReadEventsEnvelope(t *testing.T) {
	stream := `data: {"type":"content","data":{"chunk":"Hi"},"timestamp":"2025-01-02T03:04:05Z"}` + "\n\n" +
		`data: {"type":"download","artifactId":"f1","filename":"a.pdf"}` + "\n\n" +
		`data: {"type":"complete","timestamp":1735787045000}` + "\n\n" +
		"data: [DONE]\n\n"

	evs := collect(strings.NewReader(stream))
	require.Equal(t, []models.EventType{models.EventContent, models.EventDownload, models.EventComplete}, types(evs))
	assert.Equal(t, models.ContentData{Chunk: "Hi"}, evs[0].Data)
	assert.Equal(t, 2025, evs[0].Timestamp.Year())
	assert.Equal(t, "f1", evs[1].Data.(models.DownloadData).ArtifactID)
	assert.Equal(t, int64(1735787045000), evs[2].Timestamp.UnixMilli())
}

func TestReadEventsSkipsMalformedAndUnknown(t *testing.T) {
	stream := "event: content\ndata: {\"chunk\":\n\n" +
		"event: telemetry\ndata: {}\n\n" +
		"data: not json\n\n" +
		"data: {\"data\":{}}\n\n" +
		"event: content\ndata: {\"chunk\":\"ok\"}\n\n"

	evs := collect(strings.NewReader(stream))
	require.Len(t, evs, 1)
	assert.Equal(t, models.ContentData{Chunk: "ok"}, evs[0].Data)
}

func TestReadEventsChunkBoundaries(t *testing.T) {
	stream := "event: content\ndata: {\"chunk\":\"Hel\"}\n\n" +
		"event: content\ndata: {\"chunk\":\"lo\"}\n\n"

	// One byte per read exercises buffering across record boundaries.
	evs := collect(iotest.OneByteReader(strings.NewReader(stream)))
	require.Len(t, evs, 2)
	assert.Equal(t, models.ContentData{Chunk: "lo"}, evs[1].Data)
}

func TestReadEventsTransportFailure(t *testing.T) {
	stream := "event: content\ndata: {\"chunk\":\"Hel\"}\n\n"
	r := io.MultiReader(strings.NewReader(stream), iotest.ErrReader(errors.New("connection reset")))

	evs := collect(r)
	require.Equal(t, []models.EventType{models.EventContent, models.EventError}, types(evs))

	ed := evs[1].Data.(models.ErrorData)
	var te *models.TransportError
	require.True(t, errors.As(ed.Err, &te))
	assert.NotEmpty(t, ed.Message)
}

func TestReadEventsEndWithoutTerminal(t *testing.T) {
	stream := "event: start\ndata: {}\n\nevent: content\ndata: {\"chunk\":\"x\"}\n\n"

	evs := collect(strings.NewReader(stream))
	assert.Equal(t, []models.EventType{models.EventStart, models.EventContent}, types(evs))
}
