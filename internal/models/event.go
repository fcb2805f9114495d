package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the tag of a StreamEvent.
type EventType string

const (
	EventStart         EventType = "start"
	EventStatus        EventType = "status"
	EventContent       EventType = "content"
	EventReasoning     EventType = "reasoning"
	EventToolCall      EventType = "tool_call"
	EventSearchSources EventType = "search_sources"
	EventDownload      EventType = "download"
	EventFileError     EventType = "file_error"
	EventConclusion    EventType = "conclusion"
	EventFollowUp      EventType = "follow_up"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// StreamEvent is one decoded record of a streaming turn. Data always holds the payload type that
// matches Type, e.g. ContentData for EventContent.
type StreamEvent struct {
	Type      EventType
	Data      EventData
	Timestamp time.Time
}

// EventData is implemented by every payload type of the event taxonomy.
type EventData interface {
	EventType() EventType
}

// StartData marks a turn as accepted by the backend.
type StartData struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// StatusData is human-readable progress with no content.
type StatusData struct {
	Message    string `json:"message"`
	Step       int    `json:"step,omitempty"`
	TotalSteps int    `json:"totalSteps,omitempty"`
}

// ContentData is an authoritative answer text increment.
type ContentData struct {
	Chunk string `json:"chunk"`
}

// ReasoningData is a thinking text increment.
type ReasoningData struct {
	Chunk string `json:"chunk"`
}

// ToolCallData reports that a tool was invoked. Message is free text.
type ToolCallData struct {
	Message string `json:"message"`
}

// SearchSourcesData is an incremental citation batch.
type SearchSourcesData struct {
	Sources []SourceCitation `json:"sources"`
}

// DownloadData reports one generated file.
type DownloadData struct {
	FileArtifact
}

// FileErrorData reports a failed file-generation attempt. It does not fail the turn.
type FileErrorData struct {
	Error string `json:"error"`
}

// ConclusionData is a final synthesized summary appended after the main content.
type ConclusionData struct {
	Content string `json:"content"`
}

// FollowUpData replaces the suggested next prompts.
type FollowUpData struct {
	Questions []string `json:"questions"`
}

// CompleteData terminates a turn successfully. Any field present here that was never streamed is
// authoritative.
type CompleteData struct {
	Content           *string          `json:"content,omitempty"`
	Reasoning         *string          `json:"reasoning,omitempty"`
	Downloads         []FileArtifact   `json:"downloads,omitempty"`
	SearchSources     []SourceCitation `json:"searchSources,omitempty"`
	FollowUpQuestions []string         `json:"followUpQuestions,omitempty"`
	Metadata          *Metadata        `json:"metadata,omitempty"`
}

// ErrorData terminates a turn with a failure.
type ErrorData struct {
	Message string `json:"message"`

	// Err is set by the decoder when the failure happened in the transport.
	Err error `json:"-"`
}

func (StartData) EventType() EventType         { return EventStart }
func (StatusData) EventType() EventType        { return EventStatus }
func (ContentData) EventType() EventType       { return EventContent }
func (ReasoningData) EventType() EventType     { return EventReasoning }
func (ToolCallData) EventType() EventType      { return EventToolCall }
func (SearchSourcesData) EventType() EventType { return EventSearchSources }
func (DownloadData) EventType() EventType      { return EventDownload }
func (FileErrorData) EventType() EventType     { return EventFileError }
func (ConclusionData) EventType() EventType    { return EventConclusion }
func (FollowUpData) EventType() EventType      { return EventFollowUp }
func (CompleteData) EventType() EventType      { return EventComplete }
func (ErrorData) EventType() EventType         { return EventError }

// NewEvent wraps data in a StreamEvent stamped with the current time.
func NewEvent(data EventData) StreamEvent {
	return StreamEvent{
		Type:      data.EventType(),
		Data:      data,
		Timestamp: time.Now(),
	}
}

// DecodeEvent decodes the payload of an event of type typ. An empty payload is accepted for every
// type and yields the zero payload. Unknown types return ErrUnknownEventType wrapped in a
// ProtocolError; malformed payloads return a ProtocolError.
func DecodeEvent(typ string, data []byte, ts time.Time) (StreamEvent, error) {
	var payload EventData
	var err error

	switch EventType(typ) {
	case EventStart:
		payload, err = decodePayload[StartData](data)
	case EventStatus:
		payload, err = decodePayload[StatusData](data)
	case EventContent:
		payload, err = decodePayload[ContentData](data)
	case EventReasoning:
		payload, err = decodePayload[ReasoningData](data)
	case EventToolCall:
		payload, err = decodePayload[ToolCallData](data)
	case EventSearchSources:
		payload, err = decodePayload[SearchSourcesData](data)
	case EventDownload:
		payload, err = decodePayload[DownloadData](data)
	case EventFileError:
		payload, err = decodePayload[FileErrorData](data)
	case EventConclusion:
		payload, err = decodePayload[ConclusionData](data)
	case EventFollowUp:
		payload, err = decodePayload[FollowUpData](data)
	case EventComplete:
		payload, err = decodePayload[CompleteData](data)
	case EventError:
		payload, err = decodePayload[ErrorData](data)
	default:
		return StreamEvent{}, &ProtocolError{EventType: typ, Err: ErrUnknownEventType}
	}
	if err != nil {
		return StreamEvent{}, &ProtocolError{EventType: typ, Err: err}
	}

	if ts.IsZero() {
		ts = time.Now()
	}
	return StreamEvent{
		Type:      EventType(typ),
		Data:      payload,
		Timestamp: ts,
	}, nil
}

func decodePayload[T EventData](data []byte) (EventData, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return v, nil
}
