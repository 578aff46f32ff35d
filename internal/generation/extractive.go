package generation

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/tokenizer"
)

var (
	sourceLineRE = regexp.MustCompile(`(?m)^\[(\d+)\] \([^)]*\) (.*)$`)
	questionRE   = regexp.MustCompile(`(?m)^Question: (.*)$`)
)

// Extractive answers offline by quoting the source sentences that overlap
// the question most. It needs no network and is deterministic.
type Extractive struct {
	MaxSentences int
}

func NewExtractive() *Extractive {
	return &Extractive{MaxSentences: 3}
}

type scoredSentence struct {
	text   string
	source int
	score  int
	order  int
}

func (e *Extractive) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	question := ""
	if m := questionRE.FindStringSubmatch(p.User); m != nil {
		question = m[1]
	}
	qTerms := tokenizer.TermSet(question)

	var candidates []scoredSentence
	for _, m := range sourceLineRE.FindAllStringSubmatch(p.User, -1) {
		src, _ := strconv.Atoi(m[1])
		for _, s := range splitSentences(m[2]) {
			score := 0
			for term := range tokenizer.TermSet(s) {
				if _, ok := qTerms[term]; ok {
					score++
				}
			}
			if score > 0 {
				candidates = append(candidates, scoredSentence{text: s, source: src, score: score, order: len(candidates)})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	limit := e.MaxSentences
	if limit <= 0 {
		limit = 3
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].order < candidates[j].order })

	var out []string
	for _, c := range candidates {
		out = append(out, c.text+" ["+strconv.Itoa(c.source)+"]")
	}
	text := strings.Join(out, " ")
	if text == "" {
		text = "The provided sources do not answer this question."
	}
	return Completion{
		Text:         text,
		Model:        "extractive",
		StopReason:   "end_turn",
		InputTokens:  approxTokens(p.System) + approxTokens(p.User),
		OutputTokens: approxTokens(text),
	}, nil
}

func (e *Extractive) Describe() map[string]string {
	return map[string]string{
		"provider":      "extractive",
		"model":         "extractive",
		"max_sentences": strconv.Itoa(e.MaxSentences),
	}
}

// approxTokens uses the common four-characters-per-token estimate.
func approxTokens(s string) int64 {
	return int64((len(s) + 3) / 4)
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
