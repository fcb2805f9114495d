package models

import (
	"slices"
	"time"
)

// Message represents one turn's content in a conversation. User messages are immutable once appended;
// an assistant message is mutated only while IsStreaming is true, after which it is terminal.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Reasoning accumulates "thinking" text. It is never part of the final answer.
	Reasoning string `json:"reasoning,omitempty"`
	// ToolStatus is a transient human-readable status, cleared whenever Content grows or the turn ends.
	ToolStatus string `json:"toolStatus,omitempty"`
	// Conclusion keeps the raw value of the last conclusion event, which is also appended to Content.
	Conclusion string `json:"conclusion,omitempty"`

	IsStreaming bool   `json:"isStreaming"`
	Status      Status `json:"status"`

	Downloads         []FileArtifact   `json:"downloads,omitempty"`
	SearchSources     []SourceCitation `json:"searchSources,omitempty"`
	FollowUpQuestions []string         `json:"followUpQuestions,omitempty"`

	Metadata *Metadata `json:"metadata,omitempty"`
}

// FileArtifact is a generated downloadable file. Only its metadata is tracked, never its bytes.
type FileArtifact struct {
	ArtifactID  string `json:"artifactId"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// SourceCitation is a reference to external material consulted while producing an answer.
type SourceCitation struct {
	SourceID string `json:"sourceId"`
	Origin   string `json:"origin,omitempty"`
	Locator  string `json:"locator,omitempty"`
}

// Metadata holds usage and latency counters, set once when a turn finalizes.
type Metadata struct {
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	TotalTokens      int    `json:"totalTokens,omitempty"`
	LatencyMS        int64  `json:"latencyMs,omitempty"`
}

// Role represents the role of a message participant.
type Role string

// Status is the lifecycle state of a message.
type Status string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, the only role that is ever streamed into.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system message.
	RoleSystem Role = "system"

	StatusStreaming Status = "streaming"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the message can no longer be mutated.
func (m Message) Terminal() bool {
	return !m.IsStreaming
}

// Clone returns a copy of m that shares no slices with it.
func (m Message) Clone() Message {
	m.Downloads = slices.Clone(m.Downloads)
	m.SearchSources = slices.Clone(m.SearchSources)
	m.FollowUpQuestions = slices.Clone(m.FollowUpQuestions)
	if m.Metadata != nil {
		md := *m.Metadata
		m.Metadata = &md
	}
	return m
}

// Key identifies the artifact for deduplication: its id, else its download URL, else its filename.
// An empty key means the artifact cannot be identified.
func (a FileArtifact) Key() string {
	switch {
	case a.ArtifactID != "":
		return a.ArtifactID
	case a.DownloadURL != "":
		return a.DownloadURL
	default:
		return a.Filename
	}
}

// Key identifies the citation for deduplication: its id, else its locator.
func (c SourceCitation) Key() string {
	if c.SourceID != "" {
		return c.SourceID
	}
	return c.Locator
}

// AddDownloads appends the artifacts whose keys are not yet present, preserving order. It returns the
// number of artifacts added and the number dropped for having no key at all.
func (m *Message) AddDownloads(artifacts ...FileArtifact) (added, dropped int) {
	for _, a := range artifacts {
		key := a.Key()
		if key == "" {
			dropped++
			continue
		}
		if slices.ContainsFunc(m.Downloads, func(d FileArtifact) bool { return d.Key() == key }) {
			continue
		}
		m.Downloads = append(m.Downloads, a)
		added++
	}
	return added, dropped
}

// AddSources appends the citations whose keys are not yet present, preserving order. It returns the
// number of citations added and the number dropped for having no key at all.
func (m *Message) AddSources(sources ...SourceCitation) (added, dropped int) {
	for _, s := range sources {
		key := s.Key()
		if key == "" {
			dropped++
			continue
		}
		if slices.ContainsFunc(m.SearchSources, func(c SourceCitation) bool { return c.Key() == key }) {
			continue
		}
		m.SearchSources = append(m.SearchSources, s)
		added++
	}
	return added, dropped
}
