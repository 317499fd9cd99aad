// Package pipeline implements the worker-side media pipeline: probe,
// transcribe, score, cut, reframe, caption, finalize.
package pipeline

import (
	"sort"
	"strings"

	"github.com/clipforge/clipforge-api/internal/transcribe"
)

// Candidate is a proposed clip window with its score in [0, 10].
type Candidate struct {
	Start float64
	End   float64
	Score float64
}

// Duration returns the window length in seconds.
func (c Candidate) Duration() float64 {
	return c.End - c.Start
}

// iouThreshold is the overlap above which two candidates are considered
// duplicates; the higher-scored one survives.
const iouThreshold = 0.3

// hookWords are transcript markers that raise a window's score. Laughter
// and audience markers come through ASR as bracketed annotations.
var hookWords = map[string]float64{
	"secret":     1.5,
	"never":      1.0,
	"always":     0.8,
	"amazing":    1.2,
	"incredible": 1.2,
	"insane":     1.2,
	"crazy":      1.0,
	"mistake":    1.0,
	"money":      1.0,
	"free":       0.8,
	"how":        0.5,
	"why":        0.5,
	"[laughter]": 2.0,
	"[applause]": 1.5,
	"(laughs)":   2.0,
}

// ChooseWindow picks the clip window length in seconds: the caller's hint
// when valid, otherwise 15/30/60 by total source duration.
func ChooseWindow(totalDuration float64, hint *float64) float64 {
	if hint != nil && *hint >= 5 && *hint <= 120 {
		return *hint
	}
	switch {
	case totalDuration <= 60:
		return 15
	case totalDuration <= 180:
		return 30
	default:
		return 60
	}
}

// ScoreCandidates produces up to maxClips deduplicated clip windows,
// ordered by source start time. With an empty transcript it falls back to
// evenly spaced neutral windows.
func ScoreCandidates(t *transcribe.Transcript, totalDuration, window float64, maxClips int) []Candidate {
	if maxClips <= 0 {
		maxClips = 1
	}
	if window > totalDuration {
		window = totalDuration
	}

	var candidates []Candidate
	if t.Empty() {
		candidates = evenlySpaced(totalDuration, window, maxClips)
	} else {
		candidates = scoreTranscript(t, totalDuration, window)
	}

	candidates = dedupe(candidates)

	// Keep the strongest windows, then restore timeline order so clip
	// ordinals follow the source.
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].Score > candidates[k].Score })
	if len(candidates) > maxClips {
		candidates = candidates[:maxClips]
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].Start < candidates[k].Start })

	return candidates
}

// scoreTranscript anchors one window at each sentence boundary and scores
// it by speech energy and hook markers.
func scoreTranscript(t *transcribe.Transcript, totalDuration, window float64) []Candidate {
	var out []Candidate
	for _, seg := range t.Segments {
		start := seg.Start
		if start+window > totalDuration {
			start = totalDuration - window
		}
		if start < 0 {
			start = 0
		}
		end := start + window

		out = append(out, Candidate{
			Start: start,
			End:   end,
			Score: scoreWindow(t, start, end),
		})
	}
	return out
}

// scoreWindow rates [start, end] on a 0..10 scale.
func scoreWindow(t *transcribe.Transcript, start, end float64) float64 {
	words := t.WordsBetween(start, end)
	if len(words) == 0 {
		return 0.5
	}

	score := 3.0

	// Speech energy: dense speech holds attention. ~2.5 words/sec is
	// typical; reward above, fade below.
	rate := float64(len(words)) / (end - start)
	score += clamp((rate-1.5)*1.2, -1.5, 2.5)

	for _, w := range words {
		token := strings.ToLower(strings.Trim(w.Text, " .,!?\"'"))
		if bonus, ok := hookWords[token]; ok {
			score += bonus
		}
	}

	// Sentence-shaped windows read better than mid-sentence cuts.
	for _, seg := range t.Segments {
		if seg.Start >= start && seg.Start <= start+1.5 {
			score += 0.5
			break
		}
	}
	for _, seg := range t.Segments {
		text := strings.TrimSpace(seg.Text)
		if seg.End >= start && seg.End <= end &&
			(strings.HasSuffix(text, "?") || strings.HasSuffix(text, "!")) {
			score += 0.5
			break
		}
	}

	return clamp(score, 0, 10)
}

// evenlySpaced distributes neutral windows across the source, matching
// the no-transcript fallback behavior.
func evenlySpaced(totalDuration, window float64, maxClips int) []Candidate {
	count := maxClips
	if fit := int(totalDuration / window); fit < count {
		count = fit
	}
	if count < 1 {
		count = 1
	}
	if window > totalDuration {
		window = totalDuration
	}

	out := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		center := totalDuration / float64(count+1) * float64(i+1)
		start := clamp(center-window/2, 0, totalDuration-window)
		out = append(out, Candidate{Start: start, End: start + window, Score: 5.0})
	}
	return out
}

// dedupe removes overlapping candidates, keeping the higher score when
// the intersection-over-union exceeds the threshold.
func dedupe(candidates []Candidate) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].Score > sorted[k].Score })

	var kept []Candidate
	for _, c := range sorted {
		overlaps := false
		for _, k := range kept {
			if iou(c, k) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

// iou computes intersection-over-union of two windows.
func iou(a, b Candidate) float64 {
	inter := minFloat(a.End, b.End) - maxFloat(a.Start, b.Start)
	if inter <= 0 {
		return 0
	}
	union := maxFloat(a.End, b.End) - minFloat(a.Start, b.Start)
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
