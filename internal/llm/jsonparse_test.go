package llm

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{
			name: "plain",
			in:   `{"a": 1}`,
			want: map[string]any{"a": 1.0},
		},
		{
			name: "fenced with trailing comma",
			in:   "```json\n{\"a\": 1,}\n```",
			want: map[string]any{"a": 1.0},
		},
		{
			name: "prose around object",
			in:   "Here is the analysis:\n{\"type\": \"dp\"}\nHope it helps.",
			want: map[string]any{"type": "dp"},
		},
		{
			name: "latex escapes",
			in:   `{"formula": "\max(a, b) \le n"}`,
			want: map[string]any{"formula": `\max(a, b) \le n`},
		},
		{
			name: "truncated inside nested string",
			in:   `{"a": [1, 2, "x`,
			want: map[string]any{"a": []any{1.0, 2.0, "x"}},
		},
		{
			name: "truncated with latex",
			in:   "```json\n{\"ok\": true, \"note\": \"use \\sum over",
			want: map[string]any{"ok": true, "note": `use \sum over`},
		},
		{
			name: "dangling open key dropped",
			in:   `{"a": 1, "solu`,
			want: map[string]any{"a": 1.0},
		},
		{
			name: "dangling closed key dropped",
			in:   `{"a": {"b": 2}, "c"`,
			want: map[string]any{"a": map[string]any{"b": 2.0}},
		},
		{
			name: "dangling colon gets null",
			in:   `{"a": 1, "b":`,
			want: map[string]any{"a": 1.0, "b": nil},
		},
		{
			name: "fence followed by prose",
			in:   "```json\n{\"a\": 1}\n```\n以上是分析结果。",
			want: map[string]any{"a": 1.0},
		},
		{
			name: "object followed by braces in prose",
			in:   "{\"a\": \"}\"} 注意 {x} 的含义",
			want: map[string]any{"a": "}"},
		},
		{
			name: "cut inside unicode escape",
			in:   `{"a": "\u4e2`,
			want: map[string]any{"a": ""},
		},
		{
			name: "cut right after \\u",
			in:   `{"a": "x\u`,
			want: map[string]any{"a": "x"},
		},
		{
			name: "cut after a complete unicode escape",
			in:   `{"a": "\u4e2d\u6`,
			want: map[string]any{"a": "中"},
		},
		{
			name: "cut literal completed",
			in:   `{"a": [tr`,
			want: map[string]any{"a": []any{true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseJSONObject(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseJSONObject(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseJSONObjectRejectsNonObjects(t *testing.T) {
	for _, in := range []string{`[1, 2]`, `"text"`, `42`, `not json at all`, ``} {
		if got := ParseJSONObject(in); got != nil {
			t.Errorf("ParseJSONObject(%q) = %v, want nil", in, got)
		}
	}
}

func TestFixEscapes(t *testing.T) {
	tests := map[string]string{
		`\max`:       `\\max`,
		`\n`:         `\n`,
		`\\`:         `\\`,
		`a\"b`:       `a\"b`,
		`中文`:       `中文`,
		`x\`:         `x\\`,
		`\frac\le`:   `\frac\\le`,
		`\u4e2d`:     `\u4e2d`,
		`\underline`: `\\underline`,
	}
	for in, want := range tests {
		if got := FixEscapes(in); got != want {
			t.Errorf("FixEscapes(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRepairTruncatedOutputIsValidJSON(t *testing.T) {
	full := `{"classify": {"problem_type": "dp", "knowledge_points": [{"tag_name": "dp_linear", "importance": "核心"}], "difficulty_assessment": {"overall": 4}}, "solution": {"approach": "a \"quoted\" word", "key_points": ["x", "y", "\u4e2d\u6587 \\u12"]}}`
	for cut := 1; cut < len(full); cut++ {
		repaired := RepairTruncated(FixTrailingCommas(full[:cut]))
		var v map[string]any
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			t.Errorf("cut at %d: %q -> %q: %v", cut, full[:cut], repaired, err)
		}
	}
}

func TestCleanJSON(t *testing.T) {
	tests := map[string]string{
		"```\n{\"a\":1}\n```":                   `{"a":1}`,
		"note {\"a\":1} end":                    `{"a":1}`,
		"prefix {\"a\": [1,":                    `{"a": [1,`,
		"  {\"a\":1}  ":                          `{"a":1}`,
		"```json\n{\"a\":1}\n```\nthanks {}": `{"a":1}`,
	}
	for in, want := range tests {
		if got := CleanJSON(in); got != want {
			t.Errorf("CleanJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
