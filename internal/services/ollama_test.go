package services

import (
	"testing"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/stretchr/testify/assert"
)

func eventData(evs []models.StreamEvent) []models.EventData {
	out := make([]models.EventData, len(evs))
	for i, ev := range evs {
		out[i] = ev.Data
	}
	return out
}

func TestThinkSplitter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []models.EventData
	}{
		{
			name:   "Tags within chunks",
			chunks: []string{"<think>plan", " more</think>Answer", " is 42"},
			want: []models.EventData{
				models.ReasoningData{Chunk: "plan"},
				models.ReasoningData{Chunk: " more"},
				models.ContentData{Chunk: "Answer"},
				models.ContentData{Chunk: " is 42"},
			},
		},
		{
			name:   "Tags split across chunks",
			chunks: []string{"<th", "ink>plan</", "think>Ans", "wer"},
			want: []models.EventData{
				models.ReasoningData{Chunk: "plan"},
				models.ContentData{Chunk: "Ans"},
				models.ContentData{Chunk: "wer"},
			},
		},
		{
			name:   "Tag split one byte at a time",
			chunks: []string{"a<", "t", "h", "i", "n", "k", ">b"},
			want: []models.EventData{
				models.ContentData{Chunk: "a"},
				models.ReasoningData{Chunk: "b"},
			},
		},
		{
			name:   "Lookalike is released",
			chunks: []string{"x <t", "able>"},
			want: []models.EventData{
				models.ContentData{Chunk: "x "},
				models.ContentData{Chunk: "<table>"},
			},
		},
		{
			name:   "Held back text is flushed at the end",
			chunks: []string{"1 <"},
			want: []models.EventData{
				models.ContentData{Chunk: "1 "},
				models.ContentData{Chunk: "<"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s thinkSplitter
			var evs []models.StreamEvent
			for _, chunk := range tt.chunks {
				evs = append(evs, s.feed(chunk)...)
			}
			evs = append(evs, s.flush()...)
			assert.Equal(t, tt.want, eventData(evs))
		})
	}
}

func TestInlineFilePrompt(t *testing.T) {
	p := inlineFilePrompt("Summarize", "notes.txt", []byte("hello"))
	assert.Equal(t, "Summarize\n\nFile: notes.txt\n```\nhello\n```\n", p)
}
