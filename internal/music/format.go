package music

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/mattn/go-runewidth"
)

// Style selects one of the formatting policies understood by peripherals
type Style string

const (
	StyleSingle Style = "single" // "Artist - Title"
	StyleMulti  Style = "multi"  // "Title: ...\nArtist: ...\nAlbum: ..."
	StyleCustom Style = "custom" // user supplied text/template
)

// Built-in templates for the single and multi line styles
const (
	SingleLineTemplate          = "{{.Artist}} - {{.Title}}"
	SingleLineWithAlbumTemplate = "{{.Artist}} - {{.Title}} ({{.Album}})"
	MultiLineTemplate           = "Title: {{.Title}}\nArtist: {{.Artist}}"
	MultiLineWithAlbumTemplate  = "Title: {{.Title}}\nArtist: {{.Artist}}\nAlbum: {{.Album}}"
)

// FormatConfig describes how a Track is rendered to the wire string
type FormatConfig struct {
	Style            Style
	Template         string // only used with StyleCustom
	IncludeAlbum     bool
	MaxWidth         int // display columns per line, 0 = unlimited
	AlbumPlaceholder string
}

// Formatter renders Tracks to the string written to the peripheral
type Formatter struct {
	tmpl             *template.Template
	usesAlbum        bool
	maxWidth         int
	albumPlaceholder string
}

// NewFormatter compiles cfg into a Formatter
func NewFormatter(cfg FormatConfig) (*Formatter, error) {
	var text string
	usesAlbum := cfg.IncludeAlbum

	switch cfg.Style {
	case StyleSingle, "":
		text = SingleLineTemplate
		if cfg.IncludeAlbum {
			text = SingleLineWithAlbumTemplate
		}
	case StyleMulti:
		text = MultiLineTemplate
		if cfg.IncludeAlbum {
			text = MultiLineWithAlbumTemplate
		}
	case StyleCustom:
		if strings.TrimSpace(cfg.Template) == "" {
			return nil, fmt.Errorf("custom format requires a template")
		}
		text = cfg.Template
		usesAlbum = strings.Contains(text, ".Album")
	default:
		return nil, fmt.Errorf("unknown format style %q", cfg.Style)
	}

	tmpl, err := template.New("track").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	placeholder := cfg.AlbumPlaceholder
	if placeholder == "" {
		placeholder = DefaultUnknownAlbum
	}

	f := &Formatter{
		tmpl:             tmpl,
		usesAlbum:        usesAlbum,
		maxWidth:         cfg.MaxWidth,
		albumPlaceholder: placeholder,
	}

	// Catch references to fields Track does not have before the first change
	if _, err := f.Render(&Track{Title: "Title", Artist: "Artist", Album: "Album"}); err != nil {
		return nil, err
	}
	return f, nil
}

// UsesAlbum reports whether rendered output depends on the album field.
// The Normalizer should keep the album exactly when this is true.
func (f *Formatter) UsesAlbum() bool {
	return f.usesAlbum
}

// Render returns the wire string for t. A nil track renders as NoneText.
func (f *Formatter) Render(t *Track) (string, error) {
	if t == nil {
		return NoneText, nil
	}

	data := *t
	if f.usesAlbum && data.Album == "" {
		data.Album = f.albumPlaceholder
	}

	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}

	return truncateLines(buf.String(), f.maxWidth), nil
}

// truncateLines limits every line of text to width display columns,
// marking cut lines with "...". Width is measured with go-runewidth so
// CJK and emoji count by their visual width.
func truncateLines(text string, width int) string {
	if width <= 0 {
		return text
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if runewidth.StringWidth(line) > width {
			lines[i] = runewidth.Truncate(line, width, "...")
		}
	}
	return strings.Join(lines, "\n")
}
