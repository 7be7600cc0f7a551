package format

import (
	"strings"
	"testing"
)

func TestRender_EmptyInput(t *testing.T) {
	if got := Render("   \n", TargetSignal); got != nil {
		t.Errorf("Render(blank) = %v, want nil", got)
	}
}

func TestRender_DiscordPassthrough(t *testing.T) {
	md := "**bold** and a [link](https://example.com)"
	got := Render(md, TargetDiscord)
	if len(got) != 1 || got[0] != md {
		t.Errorf("Render = %v, want untouched markdown", got)
	}
}

func TestRender_SignalPlainText(t *testing.T) {
	md := "# Status\n\nAll **three** checks passed.\n\n- disk\n- network\n- [dashboard](https://example.com/d)\n"
	got := Render(md, TargetSignal)
	if len(got) != 1 {
		t.Fatalf("Render returned %d chunks, want 1", len(got))
	}
	text := got[0]

	if strings.Contains(text, "**") || strings.Contains(text, "# ") {
		t.Errorf("markdown syntax leaked into Signal text: %q", text)
	}
	if !strings.Contains(text, "All three checks passed.") {
		t.Errorf("emphasis text lost: %q", text)
	}
	if !strings.Contains(text, "• disk") {
		t.Errorf("list bullets missing: %q", text)
	}
	if !strings.Contains(text, "dashboard (https://example.com/d)") {
		t.Errorf("link not flattened: %q", text)
	}
}

func TestRender_OrderedList(t *testing.T) {
	got := Render("1. first\n2. second\n", TargetSignal)
	if len(got) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(got))
	}
	if !strings.Contains(got[0], "1. first") || !strings.Contains(got[0], "2. second") {
		t.Errorf("ordered list lost numbering: %q", got[0])
	}
}

func TestRender_CodeBlockVerbatim(t *testing.T) {
	md := "```\nsudo systemctl restart harbinger\n```"
	got := Render(md, TargetSignal)
	if len(got) != 1 || !strings.Contains(got[0], "sudo systemctl restart harbinger") {
		t.Errorf("code block content lost: %v", got)
	}
}

func TestChunk_SplitsOnParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 300) // ~1500 chars
	body := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)

	chunks := chunk(body, 2000)
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 2000 {
			t.Errorf("chunk %d length %d exceeds ceiling", i, n)
		}
		if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
			t.Errorf("chunk %d has ragged whitespace: %q...", i, c[:20])
		}
	}
}

func TestChunk_NeverSplitsMidWordWhenAvoidable(t *testing.T) {
	body := strings.TrimSpace(strings.Repeat("abcdefghij ", 500)) // ~5500 chars
	for _, c := range chunk(body, 2000) {
		for _, w := range strings.Fields(c) {
			if w != "abcdefghij" {
				t.Fatalf("word split across chunks: %q", w)
			}
		}
	}
}

func TestChunk_LongWordFallback(t *testing.T) {
	body := strings.Repeat("x", 4500)
	chunks := chunk(body, 2000)
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 4500 {
		t.Errorf("content lost in chunking: total = %d, want 4500", total)
	}
}

func TestChunk_MultibyteSafe(t *testing.T) {
	body := strings.TrimSpace(strings.Repeat("héllo wörld ", 400))
	for _, c := range chunk(body, 2000) {
		if !strings.Contains(c, "héllo") {
			t.Errorf("multibyte text mangled: %q", c[:24])
		}
		if n := len([]rune(c)); n > 2000 {
			t.Errorf("chunk length %d exceeds ceiling", n)
		}
	}
}
