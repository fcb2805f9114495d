package session

import (
	"fmt"
	"slices"

	"github.com/MegaGrindStone/chat-session/internal/models"
)

const (
	// FailureText replaces the content of a turn that failed before producing any.
	FailureText = "Sorry, something went wrong while generating a response. Please try again."
	// NoResponseText replaces the content of a turn whose stream ended without producing any.
	NoResponseText = "No response received. Please try again."

	conclusionSeparator = "\n\n---\n\n"
)

// outcome tells the session what a reduced event implies beyond the message itself.
type outcome struct {
	// conversationID is the id carried by a start event, if any.
	conversationID string
	// tool is the tool family a tool_call event was classified as.
	tool models.Tool
	// terminal is set once the message left the streaming state.
	terminal bool
	// flush asks for the snapshot to be persisted without throttling.
	flush bool
	// changed is set when the message was mutated.
	changed bool
	// dropped counts downloads and citations discarded for having no identity.
	dropped int
}

// reduce applies one event to the pending assistant message, in arrival order. Terminal messages
// are never mutated.
func reduce(msg *models.Message, ev models.StreamEvent) outcome {
	if msg.Terminal() {
		return outcome{}
	}

	switch d := ev.Data.(type) {
	case models.StartData:
		return outcome{conversationID: d.ConversationID, flush: d.ConversationID != ""}

	case models.StatusData:
		status := d.Message
		if d.TotalSteps > 0 {
			status = fmt.Sprintf("%s (%d/%d)", d.Message, d.Step, d.TotalSteps)
		}
		msg.ToolStatus = status
		return outcome{changed: true}

	case models.ContentData:
		if d.Chunk == "" {
			return outcome{}
		}
		msg.Content += d.Chunk
		msg.ToolStatus = ""
		return outcome{changed: true}

	case models.ReasoningData:
		if d.Chunk == "" {
			return outcome{}
		}
		msg.Reasoning += d.Chunk
		return outcome{changed: true}

	case models.ToolCallData:
		msg.ToolStatus = d.Message
		return outcome{tool: ClassifyTool(d.Message), changed: true}

	case models.SearchSourcesData:
		added, dropped := msg.AddSources(d.Sources...)
		return outcome{changed: added > 0, flush: added > 0, dropped: dropped}

	case models.DownloadData:
		added, dropped := msg.AddDownloads(d.FileArtifact)
		return outcome{changed: added > 0, flush: added > 0, dropped: dropped}

	case models.FileErrorData:
		msg.ToolStatus = "File generation failed: " + d.Error
		return outcome{changed: true}

	case models.ConclusionData:
		if d.Content == "" {
			return outcome{}
		}
		if msg.Content != "" {
			msg.Content += conclusionSeparator
		}
		msg.Content += d.Content
		msg.Conclusion = d.Content
		msg.ToolStatus = ""
		return outcome{changed: true}

	case models.FollowUpData:
		msg.FollowUpQuestions = slices.Clone(d.Questions)
		return outcome{changed: true, flush: true}

	case models.CompleteData:
		dropped := adoptComplete(msg, d)
		finalize(msg, models.StatusSuccess)
		return outcome{terminal: true, changed: true, flush: true, dropped: dropped}

	case models.ErrorData:
		if msg.Content != "" {
			msg.Content += "\n\n" + errorNotice(d.Message)
		} else {
			msg.Content = FailureText
		}
		finalize(msg, models.StatusError)
		return outcome{terminal: true, changed: true, flush: true}
	}

	return outcome{}
}

// adoptComplete fills every field the stream never populated from the complete payload. Downloads
// and sources are merged by key instead. It returns how many of them had no key.
func adoptComplete(msg *models.Message, d models.CompleteData) int {
	if d.Content != nil && msg.Content == "" {
		msg.Content = *d.Content
	}
	if d.Reasoning != nil && msg.Reasoning == "" {
		msg.Reasoning = *d.Reasoning
	}
	_, droppedDownloads := msg.AddDownloads(d.Downloads...)
	_, droppedSources := msg.AddSources(d.SearchSources...)
	if len(d.FollowUpQuestions) > 0 && len(msg.FollowUpQuestions) == 0 {
		msg.FollowUpQuestions = slices.Clone(d.FollowUpQuestions)
	}
	if d.Metadata != nil && msg.Metadata == nil {
		md := *d.Metadata
		msg.Metadata = &md
	}
	return droppedDownloads + droppedSources
}

// finalizeAbrupt ends a turn whose stream closed without complete or error. Partial content is
// kept as the final answer; an empty message gets NoResponseText.
func finalizeAbrupt(msg *models.Message) {
	if msg.Terminal() {
		return
	}
	if msg.Content == "" {
		msg.Content = NoResponseText
	}
	finalize(msg, models.StatusError)
}

// finalizeAborted ends a superseded or cancelled turn, keeping whatever it had produced.
func finalizeAborted(msg *models.Message) {
	if msg.Terminal() {
		return
	}
	finalize(msg, models.StatusAborted)
}

func finalize(msg *models.Message, status models.Status) {
	msg.IsStreaming = false
	msg.Status = status
	msg.ToolStatus = ""
}

func errorNotice(detail string) string {
	if detail == "" {
		return "⚠️ The response was interrupted by an error."
	}
	return "⚠️ Error: " + detail
}
