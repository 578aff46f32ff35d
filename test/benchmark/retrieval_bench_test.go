// Package benchmark holds Go benchmarks for the retrieval indexes, rank
// fusion and the identifier guard, measuring throughput and allocations.
package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/dense"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/sparse"
)

const corpusBody = "hand hygiene before patient contact reduces infection transmission in clinical wards"

func BenchmarkSparseIndexAdd(b *testing.B) {
	ix := sparse.NewIndex()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ix.AddDocument(fmt.Sprintf("doc-%d", i), "v1", corpusBody)
	}
}

func BenchmarkSparseIndexQuery(b *testing.B) {
	ix := sparse.NewIndex()
	for i := 0; i < 10000; i++ {
		ix.AddDocument(fmt.Sprintf("doc-%d", i), "v1", fmt.Sprintf("%s variant %d", corpusBody, i%97))
	}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ix.Query(ctx, "hand hygiene infection", 20); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDenseIndexQuery(b *testing.B) {
	ctx := context.Background()
	emb := embedding.NewHashing(256)
	ix := dense.NewIndex()
	for i := 0; i < 5000; i++ {
		vec, err := emb.Embed(ctx, fmt.Sprintf("%s topic %d", corpusBody, i))
		if err != nil {
			b.Fatal(err)
		}
		if err := ix.Upsert(ctx, fmt.Sprintf("doc-%d", i), "v1", vec); err != nil {
			b.Fatal(err)
		}
	}
	q, _ := emb.Embed(ctx, "how often should hand hygiene be performed")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ix.Query(ctx, q, 20); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFuse(b *testing.B) {
	for _, n := range []int{10, 50, 200} {
		denseRank := make([]retrieval.RetrievedDocument, n)
		sparseRank := make([]retrieval.RetrievedDocument, n)
		for i := 0; i < n; i++ {
			denseRank[i] = retrieval.RetrievedDocument{DocumentID: fmt.Sprintf("doc-%d", i), Source: retrieval.SourceDense, Rank: i + 1}
			sparseRank[i] = retrieval.RetrievedDocument{DocumentID: fmt.Sprintf("doc-%d", n-i), Source: retrieval.SourceSparse, Rank: i + 1}
		}
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = retrieval.Fuse(retrieval.DefaultRRFK, denseRank, sparseRank)
			}
		})
	}
}

func BenchmarkGuardRedact(b *testing.B) {
	g := guard.New(guard.Config{Salt: "bench"})
	inputs := map[string]string{
		"clean":       "what is the recommended dosage schedule for amoxicillin in adults",
		"identifiers": "patient John MRN 12345678, SSN 123-45-6789, email jane.doe@example.com, phone (555) 123-4567",
	}
	for name, text := range inputs {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				if _, err := g.Redact(text, guard.ModeRedact); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
