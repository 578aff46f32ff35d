// Package cache stores previously approved answers keyed by a fingerprint of
// the redacted query, so degraded paths can serve them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/tokenizer"
)

// Source is a cited document of a cached answer.
type Source struct {
	DocumentID  string  `json:"document_id"`
	VersionHash string  `json:"version_hash"`
	Score       float64 `json:"score"`
}

// Answer is what gets cached. Only automated answers are stored.
type Answer struct {
	Text            string    `json:"text"`
	Sources         []Source  `json:"sources"`
	Confidence      float64   `json:"confidence"`
	TemplateID      string    `json:"template_id"`
	TemplateVersion string    `json:"template_version"`
	OutputHash      string    `json:"output_hash"`
	CachedAt        time.Time `json:"cached_at"`
}

// AnswerCache is implemented by the Redis and in-memory caches.
type AnswerCache interface {
	Get(ctx context.Context, fingerprint string) (Answer, bool)
	Set(ctx context.Context, fingerprint string, answer Answer)
	Invalidate(ctx context.Context) error
}

// Fingerprint normalises a redacted query (stemmed, de-duplicated, sorted
// terms) together with topK. Placeholders are dropped by the tokenizer so
// two queries differing only in a redacted identifier share a key.
func Fingerprint(redactedQuery string, topK int) string {
	set := tokenizer.TermSet(redactedQuery)
	terms := make([]string, 0, len(set))
	for t := range set {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	raw := strings.Join(terms, ",") + ":k=" + strconv.Itoa(topK)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
