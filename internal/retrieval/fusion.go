package retrieval

import "sort"

// DefaultRRFK is the conventional Reciprocal Rank Fusion constant.
const DefaultRRFK = 60

// Fuse combines per-stage rankings: score(d) = Σ 1/(k + rank_s(d)), with a
// stage that did not return d contributing nothing. Ties break on the number
// of contributing stages, then document id.
func Fuse(k int, rankings ...[]RetrievedDocument) []FusedCandidate {
	if k <= 0 {
		k = DefaultRRFK
	}
	byID := make(map[string]*FusedCandidate)
	order := make([]string, 0)
	for _, ranking := range rankings {
		seen := make(map[string]struct{}, len(ranking))
		for _, doc := range ranking {
			if _, dup := seen[doc.DocumentID]; dup {
				continue
			}
			seen[doc.DocumentID] = struct{}{}
			c, ok := byID[doc.DocumentID]
			if !ok {
				c = &FusedCandidate{DocumentID: doc.DocumentID, VersionHash: doc.VersionHash}
				byID[doc.DocumentID] = c
				order = append(order, doc.DocumentID)
			}
			c.FusedScore += 1.0 / float64(k+doc.Rank)
			if !hasSource(c.Sources, doc.Source) {
				c.Sources = append(c.Sources, doc.Source)
			}
		}
	}

	out := make([]FusedCandidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		sort.Slice(c.Sources, func(i, j int) bool { return c.Sources[i] < c.Sources[j] })
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if len(out[i].Sources) != len(out[j].Sources) {
			return len(out[i].Sources) > len(out[j].Sources)
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	for i := range out {
		out[i].FusedRank = i + 1
	}
	return out
}

// MaxFusedScore is the best attainable fused score with n contributing
// stages: rank 1 everywhere.
func MaxFusedScore(k, n int) float64 {
	if k <= 0 {
		k = DefaultRRFK
	}
	return float64(n) / float64(k+1)
}

func hasSource(sources []Source, s Source) bool {
	for _, x := range sources {
		if x == s {
			return true
		}
	}
	return false
}
