package parser

import (
	"regexp"
	"strings"
)

// readinessWindow bounds how many trailing lines are inspected for the
// in-progress marker.
const readinessWindow = 50

// SigilParser segments CLI output on fixed sigils. The marker set is data,
// so dialect variants (Claude, Gemini) are preset configurations of the same
// walk. All matching is line based.
type SigilParser struct {
	name string

	// busyMarkers appear while the CLI is still generating, e.g.
	// "esc to interrupt". Matched case-insensitively in the readiness
	// window.
	busyMarkers []string

	// promptPattern matches the prompt/editor marker that signals the CLI
	// is waiting for input.
	promptPattern *regexp.Regexp

	// suggestionPattern matches completion prompts that look like user
	// prompts but carry a trailing hint; those never end a response.
	suggestionPattern *regexp.Regexp

	// thinkingSigil begins a thinking block, which runs until the next
	// sigil or a blank divider.
	thinkingSigil string

	// toolPattern matches a tool invocation line, capturing the tool name
	// and its argument text.
	toolPattern *regexp.Regexp

	// toolResultPrefix marks continuation lines carrying a tool result.
	toolResultPrefix string

	// compactMarker indicates the conversation was compacted; the response
	// is taken from after its last occurrence.
	compactMarker string

	// tokensPattern extracts the token count from the status line.
	tokensPattern *regexp.Regexp

	// chromeFilter drops TUI chrome lines (separators, spinners) from text
	// accumulation.
	chromeFilter *regexp.Regexp
}

var (
	claudePromptPattern     = regexp.MustCompile(`(?m)^\s*(│\s*>|>\s|❯)`)
	claudeSuggestionPattern = regexp.MustCompile(`(?i)\((tab|shift\+tab) to (accept|cycle)\)`)
	claudeToolPattern       = regexp.MustCompile(`^⏺\s+([A-Za-z0-9_./-]+)\((.*)\)\s*$`)
	claudeTokensPattern     = regexp.MustCompile(`(?i)([0-9][0-9,.]*k?)\s*tokens`)
	claudeChromePattern     = regexp.MustCompile(`^\s*([─━═┄┅┈┉╭╮╰╯│]+|[✻✽✶·✢*]\s.*)\s*$`)

	geminiToolPattern = regexp.MustCompile(`^[⚡✦]\s+([A-Za-z0-9_./-]+)\((.*)\)\s*$`)
)

// NewClaude returns the parser for the Claude CLI dialect.
func NewClaude() *SigilParser {
	return &SigilParser{
		name:              "claude",
		busyMarkers:       []string{"esc to interrupt", "esc to cancel"},
		promptPattern:     claudePromptPattern,
		suggestionPattern: claudeSuggestionPattern,
		thinkingSigil:     "∴ Thinking",
		toolPattern:       claudeToolPattern,
		toolResultPrefix:  "⎿",
		compactMarker:     "conversation compacted",
		tokensPattern:     claudeTokensPattern,
		chromeFilter:      claudeChromePattern,
	}
}

// NewGemini returns the parser for the Gemini CLI dialect. Same walk as
// Claude, different sigils.
func NewGemini() *SigilParser {
	return &SigilParser{
		name:              "gemini",
		busyMarkers:       []string{"esc to cancel", "esc to interrupt"},
		promptPattern:     claudePromptPattern,
		suggestionPattern: claudeSuggestionPattern,
		thinkingSigil:     "✦ Thinking",
		toolPattern:       geminiToolPattern,
		toolResultPrefix:  "⎿",
		compactMarker:     "context compressed",
		tokensPattern:     claudeTokensPattern,
		chromeFilter:      claudeChromePattern,
	}
}

// Name identifies the dialect.
func (p *SigilParser) Name() string { return p.name }

// IsReady reports true when no busy marker is present in the trailing lines
// and a prompt marker (that is not a suggestion completion) is visible.
// Empty windows are never ready.
func (p *SigilParser) IsReady(window string) bool {
	if strings.TrimSpace(window) == "" {
		return false
	}

	tail := tailLines(window, readinessWindow)
	promptSeen := false
	for _, line := range tail {
		lower := strings.ToLower(line)
		for _, marker := range p.busyMarkers {
			if strings.Contains(lower, marker) {
				return false
			}
		}
		if p.promptPattern.MatchString(line) && !p.suggestionPattern.MatchString(line) {
			promptSeen = true
		}
	}
	return promptSeen
}

// Parse walks the window top-down, segmenting on the configured sigils.
func (p *SigilParser) Parse(window string) *Response {
	resp := &Response{Raw: window}
	resp.IsReady = p.IsReady(window)
	resp.IsComplete = resp.IsReady

	body := window
	if p.compactMarker != "" {
		// A compaction marker mid-window means everything before it belongs
		// to the previous conversation.
		if idx := lastIndexFold(body, p.compactMarker); idx >= 0 {
			after := body[idx:]
			if nl := strings.IndexByte(after, '\n'); nl >= 0 {
				body = after[nl+1:]
			} else {
				body = ""
			}
		}
	}

	lines := strings.Split(body, "\n")

	var sections []Section
	var textBuf []string
	var thinkingBuf []string
	inThinking := false

	flushText := func() {
		content := strings.TrimSpace(strings.Join(textBuf, "\n"))
		textBuf = textBuf[:0]
		if content != "" {
			sections = append(sections, Section{Type: SectionText, Content: content})
		}
	}
	flushThinking := func() {
		inThinking = false
		content := strings.TrimSpace(strings.Join(thinkingBuf, "\n"))
		thinkingBuf = thinkingBuf[:0]
		if content != "" {
			sections = append(sections, Section{Type: SectionThinking, Content: content})
		}
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, p.thinkingSigil):
			flushText()
			if inThinking {
				flushThinking()
			}
			inThinking = true

		case p.toolPattern.MatchString(trimmed):
			flushText()
			if inThinking {
				flushThinking()
			}
			m := p.toolPattern.FindStringSubmatch(trimmed)
			sec := Section{
				Type:     SectionToolCall,
				Tool:     m[1],
				Metadata: map[string]string{"args": m[2]},
			}
			// Optional result continuation lines.
			var result []string
			for i+1 < len(lines) {
				next := strings.TrimSpace(lines[i+1])
				if !strings.HasPrefix(next, p.toolResultPrefix) {
					break
				}
				result = append(result, strings.TrimSpace(strings.TrimPrefix(next, p.toolResultPrefix)))
				i++
			}
			sec.Content = strings.Join(result, "\n")
			sections = append(sections, sec)

		case inThinking:
			if trimmed == "" {
				// Blank divider ends the thinking block.
				flushThinking()
			} else {
				thinkingBuf = append(thinkingBuf, trimmed)
			}

		default:
			if p.isChrome(line) {
				continue
			}
			textBuf = append(textBuf, line)
		}
	}
	if inThinking {
		flushThinking()
	}
	flushText()

	resp.Sections = sections
	resp.Tokens = p.extractTokens(lines)
	return resp
}

// isChrome reports lines that are TUI furniture rather than response content:
// box borders, separators, spinner/status lines, prompt rows.
func (p *SigilParser) isChrome(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if p.promptPattern.MatchString(line) {
		return true
	}
	if p.tokensPattern.MatchString(line) && strings.ContainsAny(trimmed, "│╰╯") {
		return true
	}
	return p.chromeFilter.MatchString(trimmed)
}

// extractTokens pulls the token count from the status line that precedes the
// input-mode indicator; the last match in the window wins.
func (p *SigilParser) extractTokens(lines []string) int {
	tokens := 0
	for _, line := range lines {
		m := p.tokensPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if n := parseTokenCount(m[1]); n > 0 {
			tokens = n
		}
	}
	return tokens
}

// parseTokenCount handles "1234", "1,234" and "1.2k" spellings.
func parseTokenCount(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1.0
	if strings.HasSuffix(s, "k") {
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	}
	s = strings.ReplaceAll(s, ",", "")
	var whole, frac float64
	var fracDigits int
	seenDot := false
	for _, r := range s {
		switch {
		case r == '.':
			if seenDot {
				return 0
			}
			seenDot = true
		case r >= '0' && r <= '9':
			if seenDot {
				frac = frac*10 + float64(r-'0')
				fracDigits++
			} else {
				whole = whole*10 + float64(r-'0')
			}
		default:
			return 0
		}
	}
	for i := 0; i < fracDigits; i++ {
		frac /= 10
	}
	return int((whole + frac) * mult)
}

// lastIndexFold is a case-insensitive strings.LastIndex. The fold is
// ASCII-only: full Unicode lowering can change byte lengths (U+212A shrinks,
// U+0130 grows), which would misalign the returned index against s.
func lastIndexFold(s, substr string) int {
	return strings.LastIndex(asciiLower(s), asciiLower(substr))
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
