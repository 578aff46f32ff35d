package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// KeywordWriter is the write side of the sparse index.
type KeywordWriter interface {
	AddDocument(docID, versionHash, text string)
}

// Recorder appends audit events.
type Recorder interface {
	Append(ctx context.Context, p audit.Payload) (audit.Event, error)
}

// Invalidator drops answers cached against an older corpus.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Options struct {
	// Guard, when set, redacts identifiers from document bodies before they
	// are stored, embedded or indexed.
	Guard       *guard.Guard
	Recorder    Recorder
	Invalidator Invalidator
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Indexer writes document versions to the store and both retrieval indexes.
type Indexer struct {
	store    *Store
	embedder retrieval.Embedder
	vectors  retrieval.VectorIndex
	keywords KeywordWriter
	opts     Options
	// writeMu keeps store, dense and sparse on the same version per document.
	writeMu sync.Mutex
	logger  *slog.Logger
}

func NewIndexer(store *Store, embedder retrieval.Embedder, vectors retrieval.VectorIndex, keywords KeywordWriter, opts Options) *Indexer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		opts:     opts,
		logger:   slog.Default().With("component", "indexer"),
	}
}

// VersionHash identifies one version of a document's content.
func VersionHash(title, body string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + body))
	return hex.EncodeToString(sum[:])
}

// DocumentID derives a stable id for documents submitted without one.
func DocumentID(title, body string) string {
	return "doc-" + VersionHash(title, body)[:16]
}

// Index stores and indexes one document. Re-submitting identical content is
// a no-op reported as StatusUnchanged.
func (ix *Indexer) Index(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	body := req.Body
	resp := IngestResponse{}
	if ix.opts.Guard != nil {
		red, err := ix.opts.Guard.Redact(body, guard.ModeRedact)
		if err != nil {
			return IngestResponse{}, fmt.Errorf("redacting document: %w", err)
		}
		body = red.Text
		resp.RedactedSpans = len(red.Detections)
		resp.RedactedByCategory = red.CategoryCounts()
	}

	id := req.DocumentID
	if id == "" {
		id = DocumentID(req.Title, body)
	}
	version := VersionHash(req.Title, body)
	resp.DocumentID = id
	resp.VersionHash = version

	if ix.store.Version(id) == version {
		resp.Status = StatusUnchanged
		return resp, nil
	}

	text := body
	if req.Title != "" {
		text = req.Title + ". " + body
	}
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return IngestResponse{}, fmt.Errorf("embedding document %s: %w", id, err)
	}

	ix.writeMu.Lock()
	if err := ix.vectors.Upsert(ctx, id, version, vec); err != nil {
		ix.writeMu.Unlock()
		return IngestResponse{}, fmt.Errorf("upserting vector for %s: %w", id, err)
	}
	ix.keywords.AddDocument(id, version, text)
	ix.store.Put(Document{
		ID:          id,
		Title:       req.Title,
		Body:        body,
		VersionHash: version,
		IndexedAt:   ix.opts.Now().UTC(),
	})
	ix.writeMu.Unlock()

	resp.Status = StatusIndexed
	if ix.opts.Metrics != nil {
		ix.opts.Metrics.DocsIndexedTotal.Inc()
	}
	if ix.opts.Invalidator != nil {
		if err := ix.opts.Invalidator.Invalidate(ctx); err != nil {
			ix.logger.Warn("answer cache invalidation failed", "error", err)
		}
	}
	if ix.opts.Recorder != nil {
		details := map[string]any{"redacted_spans": resp.RedactedSpans}
		if len(resp.RedactedByCategory) > 0 {
			details["redacted_by_category"] = resp.RedactedByCategory
		}
		if _, err := ix.opts.Recorder.Append(ctx, audit.Payload{
			Stage:     audit.StageIngest,
			TraceID:   traceOrDocument(ctx, id),
			Documents: []audit.DocumentRef{{ID: id, VersionHash: version}},
			Details:   details,
		}); err != nil {
			return resp, err
		}
	}

	ix.logger.Info("document indexed", "doc_id", id, "version_hash", version[:12], "redacted_spans", resp.RedactedSpans)
	return resp, nil
}

// IndexBatch indexes documents with bounded concurrency. Results keep the
// input order; the first error cancels the remaining work.
func (ix *Indexer) IndexBatch(ctx context.Context, reqs []IngestRequest, concurrency int) ([]IngestResponse, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	out := make([]IngestResponse, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := ix.Index(gctx, req)
			if err != nil {
				return err
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func traceOrDocument(ctx context.Context, docID string) string {
	if id := logger.TraceID(ctx); id != "" {
		return id
	}
	return "ingest:" + docID
}
