// Package parser decides when an interactive CLI has finished producing a
// response and cuts the response into structured sections.
//
// Parsers are pure: IsReady and Parse are functions of the text window alone,
// with no side effects. The window is typically the tail of a terminal node's
// buffer accumulated since the last input was sent. The parser is chosen per
// call, not per node, so one terminal can host successive programs with
// different dialects.
package parser

import (
	"fmt"
	"strings"
)

// SectionType classifies one segment of a parsed response.
type SectionType string

const (
	SectionThinking SectionType = "thinking"
	SectionText     SectionType = "text"
	SectionToolCall SectionType = "tool_call"
)

// Section is one structured piece of a response.
type Section struct {
	Type     SectionType       `json:"type"`
	Content  string            `json:"content"`
	Tool     string            `json:"tool,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is the structured result of parsing a window.
type Response struct {
	Raw        string    `json:"raw"`
	Sections   []Section `json:"sections"`
	Tokens     int       `json:"tokens,omitempty"`
	IsComplete bool      `json:"is_complete"`
	IsReady    bool      `json:"is_ready"`
}

// Parser is the per-dialect readiness and segmentation contract.
type Parser interface {
	// Name identifies the parser in history entries and node metadata.
	Name() string

	// IsReady reports whether the CLI has finished producing output. The
	// decision is structural, never time based, so arbitrarily long
	// generations do not falsely report ready.
	IsReady(window string) bool

	// Parse segments the window into sections and extracts token counts.
	Parse(window string) *Response
}

// Get resolves a parser by name. The empty name resolves to the none parser.
func Get(name string) (Parser, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None{}, nil
	case "claude":
		return NewClaude(), nil
	case "gemini":
		return NewGemini(), nil
	}
	return nil, fmt.Errorf("unknown parser %q", name)
}

// None is the trivial parser: always ready, no sections. Used for plain
// shells and programs without an interactive TUI.
type None struct{}

func (None) Name() string { return "none" }

func (None) IsReady(window string) bool { return true }

func (None) Parse(window string) *Response {
	return &Response{Raw: window, IsComplete: true, IsReady: true}
}

// tailLines returns the last n lines of a window.
func tailLines(window string, n int) []string {
	lines := strings.Split(window, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
