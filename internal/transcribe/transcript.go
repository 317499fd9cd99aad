// Package transcribe provides the ASR port and transcript types for the
// media pipeline. A Transcript is persisted as job intermediate state so
// downstream consumers can read it without re-running speech recognition.
package transcribe

// Word is a single recognized word with its timing in seconds, relative
// to the start of the source media.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Segment is a sentence-level span of recognized speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Transcript is the timed textual representation of a job's audio.
type Transcript struct {
	Segments []Segment `json:"segments"`
}

// Empty reports whether no speech was detected.
func (t *Transcript) Empty() bool {
	return t == nil || len(t.Segments) == 0
}

// Duration returns the end time of the last segment in seconds.
func (t *Transcript) Duration() float64 {
	if t.Empty() {
		return 0
	}
	return t.Segments[len(t.Segments)-1].End
}

// WordsBetween returns all words falling entirely inside [start, end].
func (t *Transcript) WordsBetween(start, end float64) []Word {
	if t.Empty() {
		return nil
	}
	var out []Word
	for _, seg := range t.Segments {
		if seg.End < start || seg.Start > end {
			continue
		}
		for _, w := range seg.Words {
			if w.Start >= start && w.End <= end {
				out = append(out, w)
			}
		}
	}
	return out
}

// WordCount returns the total number of words across all segments.
func (t *Transcript) WordCount() int {
	if t.Empty() {
		return 0
	}
	n := 0
	for _, seg := range t.Segments {
		n += len(seg.Words)
	}
	return n
}
