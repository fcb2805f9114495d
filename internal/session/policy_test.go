package session

import (
	"testing"

	"github.com/MegaGrindStone/chat-session/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		mode  models.Mode
		input string
		want  models.ToolHints
	}{
		{
			name:  "instant small talk",
			mode:  models.ModeInstant,
			input: "hello there",
			want:  models.ToolHints{Route: models.RouteChat},
		},
		{
			name:  "instant asking for a spreadsheet",
			mode:  models.ModeInstant,
			input: "make me a spreadsheet of planets",
			want:  models.ToolHints{ToolsEnabled: true, FileGenExpected: true, Route: models.RouteChat},
		},
		{
			name:  "file extension",
			mode:  models.ModeThinking,
			input: "export it as summary.docx",
			want:  models.ToolHints{ToolsEnabled: true, FileGenExpected: true, Route: models.RouteChat},
		},
		{
			name:  "temporal vocabulary",
			mode:  models.ModeInstant,
			input: "what is the latest news on fusion",
			want:  models.ToolHints{ToolsEnabled: true, SearchExpected: true, Route: models.RouteChat},
		},
		{
			name:  "research mode",
			mode:  models.ModeResearch,
			input: "history of the printing press",
			want:  models.ToolHints{ToolsEnabled: true, SearchExpected: true, Route: models.RouteResearch},
		},
		{
			name:  "swarm mode",
			mode:  models.ModeSwarm,
			input: "compare three databases",
			want:  models.ToolHints{ToolsEnabled: true, SearchExpected: true, Route: models.RouteAgent},
		},
		{
			name:  "code mode",
			mode:  models.ModeCode,
			input: "reverse a linked list",
			want:  models.ToolHints{ToolsEnabled: true, CodeExpected: true, Route: models.RouteAgent},
		},
		{
			name:  "programming vocabulary outside code mode",
			mode:  models.ModeInstant,
			input: "write a python script",
			want:  models.ToolHints{ToolsEnabled: true, CodeExpected: true, Route: models.RouteChat},
		},
		{
			name:  "unknown mode falls back to instant",
			mode:  models.Mode("bogus"),
			input: "hi",
			want:  models.ToolHints{Route: models.RouteChat},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.mode, tt.input))
		})
	}
}

func TestClassifyTool(t *testing.T) {
	tests := []struct {
		message string
		want    models.Tool
	}{
		{"Searching the web for results", models.ToolSearch},
		{"Collecting sources", models.ToolSearch},
		{"Generating your report", models.ToolFileGen},
		{"Building spreadsheet", models.ToolFileGen},
		{"Writing file output.csv", models.ToolFileGen},
		{"Executing snippet", models.ToolCode},
		{"Running python", models.ToolCode},
		{"Thinking", models.ToolNone},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTool(tt.message))
		})
	}
}
