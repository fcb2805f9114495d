package session

import (
	"regexp"
	"strings"

	"github.com/MegaGrindStone/chat-session/internal/models"
)

var modeDefaults = map[models.Mode]models.ToolHints{
	models.ModeInstant:  {Route: models.RouteChat},
	models.ModeThinking: {Route: models.RouteChat},
	models.ModeAgent:    {ToolsEnabled: true, SearchExpected: true, Route: models.RouteAgent},
	models.ModeSwarm:    {ToolsEnabled: true, SearchExpected: true, Route: models.RouteAgent},
	models.ModeResearch: {ToolsEnabled: true, SearchExpected: true, Route: models.RouteResearch},
	models.ModeCode:     {ToolsEnabled: true, CodeExpected: true, Route: models.RouteAgent},
}

var (
	fileFormatPattern = regexp.MustCompile(`(?i)\b(spreadsheets?|excel|workbook|documents?|word doc|reports?|presentations?|slides?|slide ?deck|powerpoint|pdf|csv|xlsx?|docx?|pptx?)\b|\.(pdf|csv|xlsx?|docx?|pptx?)\b`)
	temporalPattern   = regexp.MustCompile(`(?i)\b(today|tonight|yesterday|tomorrow|latest|current(ly)?|recent(ly)?|news|now|this (week|month|year)|right now|breaking|20[2-9][0-9])\b`)
	codePattern       = regexp.MustCompile(`(?i)\b(code|coding|function|script|program(ming)?|python|javascript|typescript|golang|java|rust|sql|bug|debug|compile|algorithm|regex|api)\b`)
)

// Decide maps a mode and the user's input to optimistic tool hints. Unknown modes behave like
// instant. The result only feeds UI affordances and the transport route; it never gates how events
// are applied.
func Decide(mode models.Mode, input string) models.ToolHints {
	hints, ok := modeDefaults[mode]
	if !ok {
		hints = modeDefaults[models.ModeInstant]
	}

	if fileFormatPattern.MatchString(input) {
		hints.FileGenExpected = true
	}
	if temporalPattern.MatchString(input) {
		hints.SearchExpected = true
	}
	if codePattern.MatchString(input) {
		hints.CodeExpected = true
	}
	if hints.FileGenExpected || hints.SearchExpected || hints.CodeExpected {
		hints.ToolsEnabled = true
	}
	return hints
}

// ClassifyTool guesses which tool family a free-text tool_call message refers to.
func ClassifyTool(message string) models.Tool {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "search") || strings.Contains(m, "source"):
		return models.ToolSearch
	case strings.Contains(m, "generat") || strings.Contains(m, "build") || strings.Contains(m, "file"):
		return models.ToolFileGen
	case strings.Contains(m, "code") || strings.Contains(m, "execut") || strings.Contains(m, "python"):
		return models.ToolCode
	default:
		return models.ToolNone
	}
}

func activityFromHints(h models.ToolHints) models.ToolActivity {
	return models.ToolActivity{
		Searching:      h.SearchExpected,
		GeneratingFile: h.FileGenExpected,
		RunningCode:    h.CodeExpected,
	}
}
