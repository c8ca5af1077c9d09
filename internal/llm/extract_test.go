package llm

import "testing"

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"whitespace", "\n\t {\"a\":1}  \n", `{"a":1}`},
		{"zero width", "\u200b\ufeff{\"a\":1}\u200d", `{"a":1}`},
		{"fence with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Sure! Here it is: {\"a\":{\"b\":2}} Hope it helps.", `{"a":{"b":2}}`},
		{"no object", "no json here", "no json here"},
		{"nbsp kept in value", "{\"a\":\"Marcus\u00a0Aurelius\"}", "{\"a\":\"Marcus\u00a0Aurelius\"}"},
		{"zero width in value", "{\"a\":\"x\u200by\"}", `{"a":"xy"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
