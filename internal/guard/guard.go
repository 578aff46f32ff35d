// Package guard detects and redacts the eighteen Safe Harbor identifier
// categories before any text is persisted or sent to an external model.
//
// Detections never carry the matched text; callers only ever see spans,
// categories and confidence, and audit entries only ever see counts.
package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
)

type Mode string

const (
	ModeRedact Mode = "redact"
	ModeBlock  Mode = "block"
)

// Detection is a half-open byte span [Start, End) of the inspected text.
type Detection struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Category   Category   `json:"category"`
	Confidence Confidence `json:"confidence"`
}

// Segment maps one span of redacted text back to the original.
type Segment struct {
	RedactedStart int  `json:"redacted_start"`
	RedactedEnd   int  `json:"redacted_end"`
	OriginalStart int  `json:"original_start"`
	OriginalEnd   int  `json:"original_end"`
	Placeholder   bool `json:"placeholder"`
}

// OffsetMap covers the redacted text contiguously, in order.
type OffsetMap []Segment

// ToOriginal maps a non-empty redacted-text span onto the original text. A
// span that touches a placeholder widens to cover the whole identifier it
// replaced.
func (m OffsetMap) ToOriginal(start, end int) (int, int) {
	origStart, origEnd := -1, -1
	for _, seg := range m {
		if seg.RedactedEnd <= start || seg.RedactedStart >= end {
			continue
		}
		s, e := seg.OriginalStart, seg.OriginalEnd
		if !seg.Placeholder {
			s = seg.OriginalStart + (max(start, seg.RedactedStart) - seg.RedactedStart)
			e = seg.OriginalStart + (min(end, seg.RedactedEnd) - seg.RedactedStart)
		}
		if origStart < 0 {
			origStart = s
		}
		origEnd = e
	}
	if origStart < 0 {
		return 0, 0
	}
	return origStart, origEnd
}

// RedactedText is the only form of a query that leaves the guard.
type RedactedText struct {
	Text       string      `json:"-"`
	Detections []Detection `json:"detections"`
	Offsets    OffsetMap   `json:"-"`
	InputHash  string      `json:"input_hash"`
	Mode       Mode        `json:"mode"`
	Blocked    bool        `json:"blocked"`
}

// CategoryCounts summarises detections for audit and logging.
func (r RedactedText) CategoryCounts() map[string]int {
	return countCategories(r.Detections)
}

// Categories returns the distinct detected categories, sorted.
func (r RedactedText) Categories() []string {
	counts := countCategories(r.Detections)
	out := make([]string, 0, len(counts))
	for c := range counts {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type Config struct {
	Salt          string
	MinConfidence Confidence
}

type Guard struct {
	salt     string
	patterns []pattern
	logger   *slog.Logger
}

func New(cfg Config) *Guard {
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = ConfidenceMedium
	}
	active := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.confidence >= cfg.MinConfidence {
			active = append(active, p)
		}
	}
	return &Guard{
		salt:     cfg.Salt,
		patterns: active,
		logger:   slog.Default().With("component", "guard"),
	}
}

// Detect returns non-overlapping detections ordered by start offset.
// Placeholders produced by an earlier Redact are never re-detected.
func (g *Guard) Detect(text string) []Detection {
	masked := maskPlaceholders(text)
	var raw []Detection
	for _, p := range g.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(masked, -1) {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			if end <= start {
				continue
			}
			raw = append(raw, Detection{Start: start, End: end, Category: p.category, Confidence: p.confidence})
		}
	}
	return resolveOverlaps(raw)
}

// Redact applies the mode. Under ModeBlock any detection fails with
// ErrIdentifierDetected; the returned value then carries detections and the
// input hash but no text.
func (g *Guard) Redact(text string, mode Mode) (RedactedText, error) {
	detections := g.Detect(text)
	result := RedactedText{
		Detections: detections,
		InputHash:  HashText(text),
		Mode:       mode,
	}

	if mode == ModeBlock && len(detections) > 0 {
		result.Blocked = true
		g.logger.Warn("input blocked",
			"input_hash", result.InputHash,
			"detections", len(detections),
			"categories", result.CategoryCounts(),
		)
		return result, apperrors.Newf(apperrors.ErrIdentifierDetected, http.StatusUnprocessableEntity,
			"input %s contains %d protected identifier(s): %s",
			shortHash(result.InputHash), len(detections), strings.Join(result.Categories(), ","))
	}

	var b strings.Builder
	b.Grow(len(text))
	offsets := make(OffsetMap, 0, 2*len(detections)+1)
	cursor := 0
	for _, d := range detections {
		if d.Start > cursor {
			offsets = append(offsets, literalSegment(b.Len(), cursor, d.Start))
			b.WriteString(text[cursor:d.Start])
		}
		ph := g.placeholder(d.Category, text[d.Start:d.End])
		offsets = append(offsets, Segment{
			RedactedStart: b.Len(),
			RedactedEnd:   b.Len() + len(ph),
			OriginalStart: d.Start,
			OriginalEnd:   d.End,
			Placeholder:   true,
		})
		b.WriteString(ph)
		cursor = d.End
	}
	if cursor < len(text) {
		offsets = append(offsets, literalSegment(b.Len(), cursor, len(text)))
		b.WriteString(text[cursor:])
	}
	result.Text = b.String()
	result.Offsets = offsets

	if len(detections) > 0 {
		g.logger.Info("input redacted",
			"input_hash", result.InputHash,
			"detections", len(detections),
			"categories", result.CategoryCounts(),
		)
	}
	return result, nil
}

func (g *Guard) placeholder(c Category, original string) string {
	sum := sha256.Sum256([]byte(g.salt + "|" + string(c) + "|" + original))
	return fmt.Sprintf("[%s:%s]", strings.ToUpper(string(c)), hex.EncodeToString(sum[:])[:8])
}

// HashText returns the hex sha256 of text. It is the only representation of
// raw input that may appear in logs or audit entries.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func literalSegment(redactedStart, origStart, origEnd int) Segment {
	return Segment{
		RedactedStart: redactedStart,
		RedactedEnd:   redactedStart + (origEnd - origStart),
		OriginalStart: origStart,
		OriginalEnd:   origEnd,
	}
}

// maskPlaceholders overwrites placeholder bytes with NUL so no pattern can
// match inside or across them while byte offsets stay unchanged.
func maskPlaceholders(text string) string {
	locs := placeholderRE.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	buf := []byte(text)
	for _, loc := range locs {
		for i := loc[0]; i < loc[1]; i++ {
			buf[i] = 0
		}
	}
	return string(buf)
}

// resolveOverlaps keeps the earliest-starting, then longest, detection of
// each overlapping cluster. A later detection that runs past the winner
// extends its end so no matched byte is left unredacted.
func resolveOverlaps(raw []Detection) []Detection {
	if len(raw) == 0 {
		return nil
	}
	sort.SliceStable(raw, func(i, j int) bool {
		a, b := raw[i], raw[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return categoryPriority[a.Category] < categoryPriority[b.Category]
	})
	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		if n := len(out); n > 0 && d.Start < out[n-1].End {
			if d.End > out[n-1].End {
				out[n-1].End = d.End
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

func countCategories(ds []Detection) map[string]int {
	counts := make(map[string]int)
	for _, d := range ds {
		counts[string(d.Category)]++
	}
	return counts
}
