package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestRenderPlainProfile(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	for name, fn := range map[string]func(string) string{
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"accent": RenderAccent,
		"muted":  RenderMuted,
	} {
		if got := fn("x"); !strings.Contains(got, "x") {
			t.Errorf("%s: rendered %q lost its text", name, got)
		}
	}
	if got := RenderAccent("abc"); got != "abc" {
		t.Errorf("ascii profile rendered %q, want plain text", got)
	}
}

func TestTerminalWidth(t *testing.T) {
	if w := TerminalWidth(); w <= 0 {
		t.Errorf("TerminalWidth = %d", w)
	}
}
