// Package captions renders word-synchronized karaoke subtitle tracks in
// the ASS format for burning into clips. Each caption is a single line
// whose words highlight as they are spoken.
package captions

import (
	"fmt"
	"os"
	"strings"

	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/transcribe"
)

// style holds the ASS typography for a named caption style.
type style struct {
	fontName  string
	fontSize  int
	primary   string // fill color of already-spoken words (&HBBGGRR)
	secondary string // fill color of not-yet-spoken words
	outline   int
	shadow    int
	boxed     bool
}

// styles maps the public caption style names to their typography.
// Exact typography is implementation policy; the names are the contract.
var styles = map[job.CaptionStyle]style{
	job.CaptionModern: {
		fontName:  "Impact",
		fontSize:  48,
		primary:   "&H00FFFF", // yellow highlight
		secondary: "&HFFFFFF",
		outline:   2,
		shadow:    1,
	},
	job.CaptionClassic: {
		fontName:  "Arial",
		fontSize:  36,
		primary:   "&HFFFFFF",
		secondary: "&HAAAAAA",
		outline:   1,
		shadow:    0,
		boxed:     true,
	},
	job.CaptionMinimal: {
		fontName:  "Helvetica",
		fontSize:  32,
		primary:   "&HFFFFFF",
		secondary: "&HCCCCCC",
		outline:   0,
		shadow:    0,
	},
}

// maxWordsPerLine caps the karaoke line length so captions stay on a
// single line at typical portrait widths.
const maxWordsPerLine = 5

// WriteTrack renders the words falling inside [clipStart, clipEnd] of the
// source timeline into an ASS file at path, with timings shifted so the
// clip starts at zero. It returns false when no words fall in the window,
// in which case no file is written.
func WriteTrack(t *transcribe.Transcript, clipStart, clipEnd float64, styleName job.CaptionStyle, path string) (bool, error) {
	words := t.WordsBetween(clipStart, clipEnd)
	if len(words) == 0 {
		return false, nil
	}

	st, ok := styles[styleName]
	if !ok {
		st = styles[job.CaptionModern]
	}

	var b strings.Builder
	writeHeader(&b, st)

	for i := 0; i < len(words); i += maxWordsPerLine {
		end := i + maxWordsPerLine
		if end > len(words) {
			end = len(words)
		}
		writeKaraokeLine(&b, words[i:end], clipStart)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return false, fmt.Errorf("write caption track: %w", err)
	}
	return true, nil
}

// writeHeader emits the script info and style sections.
func writeHeader(b *strings.Builder, st style) {
	borderStyle := 1
	if st.boxed {
		borderStyle = 3
	}

	b.WriteString("[Script Info]\nTitle: clipforge captions\nScriptType: v4.00+\nWrapStyle: 2\n\n")
	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(b,
		"Style: Default,%s,%d,%s,%s,&H000000,&H000000,-1,0,0,0,100,100,0,0,%d,%d,%d,2,10,10,20,1\n\n",
		st.fontName, st.fontSize, st.primary, st.secondary, borderStyle, st.outline, st.shadow,
	)
	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
}

// writeKaraokeLine emits one dialogue line whose words carry \k timing
// tags so the renderer highlights them as they are spoken.
func writeKaraokeLine(b *strings.Builder, words []transcribe.Word, offset float64) {
	lineStart := words[0].Start - offset
	lineEnd := words[len(words)-1].End - offset
	if lineStart < 0 {
		lineStart = 0
	}

	var text strings.Builder
	cursor := lineStart
	for i, w := range words {
		end := w.End - offset
		// Silence before the word counts toward its \k delay.
		dur := end - cursor
		if dur < 0.01 {
			dur = 0.01
		}
		cursor = end

		if i > 0 {
			text.WriteByte(' ')
		}
		// \k durations are in centiseconds.
		fmt.Fprintf(&text, "{\\k%d}%s", int(dur*100+0.5), escapeText(strings.ToUpper(strings.TrimSpace(w.Text))))
	}

	fmt.Fprintf(b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
		formatTimestamp(lineStart), formatTimestamp(lineEnd), text.String())
}

// formatTimestamp renders seconds as the H:MM:SS.cc form ASS expects.
func formatTimestamp(s float64) string {
	if s < 0 {
		s = 0
	}
	h := int(s) / 3600
	m := (int(s) % 3600) / 60
	sec := s - float64(h*3600+m*60)
	return fmt.Sprintf("%d:%02d:%05.2f", h, m, sec)
}

// escapeText neutralizes characters with meaning in ASS override blocks.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "\\", "")
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	return s
}
