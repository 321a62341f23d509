package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/blackcoderx/forge/pkg/model"
)

var (
	dimColor    = lipgloss.Color("#6c6c6c")
	accentColor = lipgloss.Color("#7aa2f7")
	errorColor  = lipgloss.Color("#f7768e")
	okColor     = lipgloss.Color("#9ece6a")
	warnColor   = lipgloss.Color("#e0af68")

	passStyle   = lipgloss.NewStyle().Foreground(okColor).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
	dimStyle    = lipgloss.NewStyle().Foreground(dimColor)
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
)

// badge renders a status word in its color.
func badge(status string) string {
	// test and harness verdicts share the words pass and fail
	switch status {
	case string(model.TestPass), string(model.Valid):
		return passStyle.Render(strings.ToUpper(status))
	case string(model.TestFail), string(model.TestError), string(model.Invalid):
		return failStyle.Render(strings.ToUpper(status))
	default:
		return warnStyle.Render(strings.ToUpper(status))
	}
}

// markdown prints md through glamour, falling back to the raw text.
func markdown(w io.Writer, md string) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}
	fmt.Fprint(w, out)
}

// codeBlock fences src for markdown rendering.
func codeBlock(language, src string) string {
	fence := "```"
	if language == "curl" {
		language = "bash"
	}
	return fence + language + "\n" + strings.TrimRight(src, "\n") + "\n" + fence + "\n"
}

// printJSON writes v as indented JSON for --json output.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
