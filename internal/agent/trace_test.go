package agent

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNarrationLine(t *testing.T) {
	cases := []struct {
		name   string
		tool   string
		args   string
		result string
		want   string
	}{
		{"ok", "web_search", `{"q":"go"}`, "ten results", `web_search: {"q":"go"} → ok`},
		{"error", "run_shell", `{"cmd":"ls"}`, "⚠️ TOOL_ERROR (run_shell): errorString: exit 1", `run_shell: {"cmd":"ls"} → error`},
		{"timeout", "run_shell", "{}", "⚠️ TOOL_TIMEOUT: run_shell produced no result within 1m0s. The call was abandoned; do not assume it completed.", `run_shell: {} → timeout`},
		{"empty args", "status", "", "fine", `status: {} → ok`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := narrationLine(tt.tool, tt.args, tt.result); got != tt.want {
				t.Errorf("narrationLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArgDigestFlattensAndCaps(t *testing.T) {
	multiline := "{\n  \"path\": \"a.txt\",\n  \"mode\": 1\n}"
	if got := argDigest(multiline); got != `{ "path": "a.txt", "mode": 1 }` {
		t.Errorf("flattened digest = %q", got)
	}

	long := `{"q":"` + strings.Repeat("x", 100) + `"}`
	got := argDigest(long)
	if utf8.RuneCountInString(got) != narrateArgRunes {
		t.Errorf("digest length = %d runes, want %d", utf8.RuneCountInString(got), narrateArgRunes)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("digest not elided: %q", got)
	}
}

func TestClipRunes(t *testing.T) {
	if got := clipRunes("abc", 3); got != "abc" {
		t.Errorf("at the bound: %q", got)
	}
	got := clipRunes("abcd", 3)
	if got != "ab…" {
		t.Errorf("over the bound: %q", got)
	}
	// Multibyte input must clip on rune boundaries.
	got = clipRunes("héllo wörld", 5)
	if utf8.RuneCountInString(got) != 5 || !utf8.ValidString(got) {
		t.Errorf("multibyte clip = %q", got)
	}
}
