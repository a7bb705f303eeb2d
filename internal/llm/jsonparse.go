package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// CleanJSON strips a leading markdown code fence and slices from the first '{'
// to its matching '}', so prose or a closing fence after the object is dropped.
// With no matching brace the tail is kept for truncation repair.
func CleanJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimLeft(s, "`")
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	if end := matchingBrace(s, start); end > 0 {
		return s[start : end+1]
	}
	return strings.TrimSpace(strings.TrimSuffix(s[start:], "```"))
}

// matchingBrace returns the index of the '}' closing the object opened at
// start, skipping braces inside strings, or -1.
func matchingBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// FixEscapes doubles every backslash that does not start a legal JSON escape,
// so LaTeX such as \max survives as a literal backslash.
func FixEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && (strings.IndexByte(`"\/bfnrt`, s[i+1]) >= 0 || isUnicodeEscape(s[i+1:])) {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

// isUnicodeEscape reports whether s starts with u and four hex digits.
func isUnicodeEscape(s string) bool {
	if len(s) < 5 || s[0] != 'u' {
		return false
	}
	for _, c := range []byte(s[1:5]) {
		if !strings.ContainsRune("0123456789abcdefABCDEF", rune(c)) {
			return false
		}
	}
	return true
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func FixTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

type frame struct {
	closer  byte
	wantKey bool
}

// RepairTruncated closes whatever a cut-off generation left open: an
// unterminated string, then every open array and object in reverse order.
// A dangling comma is dropped and a dangling colon gets null. An incomplete
// trailing key, closed or not, is dropped together with its comma so every
// complete member before the cut survives.
func RepairTruncated(s string) string {
	var stack []frame
	inString, escaped := false, false
	stringIsKey := false
	afterKey := false
	keyStart := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				afterKey = stringIsKey
			}
			continue
		}
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '"':
			inString = true
			stringIsKey = len(stack) > 0 && stack[len(stack)-1].closer == '}' && stack[len(stack)-1].wantKey
			if stringIsKey {
				keyStart = i
			}
		case '{':
			stack = append(stack, frame{closer: '}', wantKey: true})
		case '[':
			stack = append(stack, frame{closer: ']'})
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ':':
			if len(stack) > 0 {
				stack[len(stack)-1].wantKey = false
			}
		case ',':
			if len(stack) > 0 && stack[len(stack)-1].closer == '}' {
				stack[len(stack)-1].wantKey = true
			}
		}
		afterKey = false
	}

	if len(stack) == 0 && !inString {
		return s
	}

	out := s
	switch {
	case inString && stringIsKey:
		out = dropDanglingKey(out[:keyStart])
	case inString:
		if escaped {
			out = out[:len(out)-1]
		}
		out = trimPartialUnicode(out) + `"`
	case afterKey:
		out = dropDanglingKey(out[:keyStart])
	default:
		out = completeTail(out)
	}

	var b strings.Builder
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i].closer)
	}
	return b.String()
}

var partialUnicodeRe = regexp.MustCompile(`\\u[0-9a-fA-F]{0,3}$`)

// trimPartialUnicode drops a \uXXXX escape cut before its fourth hex digit.
// A backslash that is itself escaped does not start an escape.
func trimPartialUnicode(s string) string {
	loc := partialUnicodeRe.FindStringIndex(s)
	if loc == nil {
		return s
	}
	run := 0
	for i := loc[0]; i >= 0 && s[i] == '\\'; i-- {
		run++
	}
	if run%2 == 0 {
		return s
	}
	return s[:loc[0]]
}

func dropDanglingKey(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	s = strings.TrimSuffix(s, ",")
	return strings.TrimRight(s, " \t\r\n")
}

var literals = []string{"true", "false", "null"}

// completeTail fixes the last token outside any string: a dangling comma is
// dropped, a dangling colon gets null, a cut literal is finished and a cut
// number loses its incomplete suffix.
func completeTail(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if s == "" {
		return s
	}

	end := len(s)
	for end > 0 && strings.IndexByte("abcdefghijklmnopqrstuvwxyz0123456789.+-E", s[end-1]) >= 0 {
		end--
	}
	if tok := s[end:]; tok != "" {
		for _, lit := range literals {
			if strings.HasPrefix(lit, tok) {
				return s[:end] + lit
			}
		}
		num := strings.TrimRight(tok, ".+-eE")
		if num == "" {
			s = strings.TrimRight(s[:end], " \t\r\n")
		} else {
			return s[:end] + num
		}
	}

	switch {
	case strings.HasSuffix(s, ","):
		return strings.TrimRight(strings.TrimSuffix(s, ","), " \t\r\n")
	case strings.HasSuffix(s, ":"):
		return s + " null"
	}
	return s
}

// ParseJSONObject runs the tolerant cascade and returns the first stage that
// yields a JSON object: clean, escape fix, trailing-comma fix, truncation
// repair, then escape fix with truncation repair. Arrays and scalars count as
// failures. It returns nil when every stage fails.
func ParseJSONObject(text string) map[string]any {
	cleaned := CleanJSON(text)
	stages := []struct {
		name string
		fn   func() string
	}{
		{"clean", func() string { return cleaned }},
		{"escape", func() string { return FixEscapes(cleaned) }},
		{"trailing-comma", func() string { return FixTrailingCommas(cleaned) }},
		{"truncation", func() string { return RepairTruncated(FixTrailingCommas(cleaned)) }},
		{"escape+truncation", func() string { return RepairTruncated(FixTrailingCommas(FixEscapes(cleaned))) }},
	}
	for _, st := range stages {
		if obj, ok := decodeObject(st.fn()); ok {
			if st.name != "clean" {
				zap.S().Debugf("llm json recovered at stage %s", st.name)
			}
			return obj
		}
	}
	return nil
}

func decodeObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}
