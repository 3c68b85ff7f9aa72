// Package retrieval implements the candidate-generation half of the
// pipeline: parallel vector and lexical search with optional query
// expansion, reciprocal-rank fusion of the two legs, and cross-encoder
// reranking that produces the final ordering and the turn confidence.
package retrieval

import (
	"sort"

	"answercore/internal/runstate"
)

// DefaultRRFK is the reciprocal-rank constant. Small enough that rank-1
// hits dominate, large enough that deep agreement across legs still adds up.
const DefaultRRFK = 60

// FuseRRF merges ranked candidate lists by reciprocal-rank scoring: each
// document scores Σ 1/(k + rank) over the lists containing it, rank
// starting at 1. Ties break by best vector score, then by id, so the
// ordering is stable. Returns at most topK fused candidates; empty lists
// fuse to empty.
func FuseRRF(vector, lexical []runstate.ScoredDoc, k, topK int) []runstate.ScoredDoc {
	if k <= 0 {
		k = DefaultRRFK
	}

	type fused struct {
		doc         runstate.ScoredDoc
		score       float64
		vectorScore float64
	}
	byID := make(map[int64]*fused)
	order := make([]int64, 0, len(vector)+len(lexical))

	add := func(list []runstate.ScoredDoc, isVector bool) {
		for rank, d := range list {
			f, ok := byID[d.ID]
			if !ok {
				f = &fused{doc: d}
				byID[d.ID] = f
				order = append(order, d.ID)
			}
			f.score += 1.0 / float64(k+rank+1)
			if isVector && d.Score > f.vectorScore {
				f.vectorScore = d.Score
			}
		}
	}
	add(vector, true)
	add(lexical, false)

	out := make([]runstate.ScoredDoc, 0, len(order))
	for _, id := range order {
		f := byID[id]
		d := f.doc
		d.Score = f.score
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		vi, vj := byID[out[i].ID].vectorScore, byID[out[j].ID].vectorScore
		if vi != vj {
			return vi > vj
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// unionDecayed merges per-expansion-query result lists into one ranked
// list. Leg i contributes scores multiplied by decay^i; a document seen by
// several legs keeps its best weighted score.
func unionDecayed(legs [][]runstate.ScoredDoc, decay float64) []runstate.ScoredDoc {
	if decay <= 0 || decay > 1 {
		decay = 0.8
	}
	best := make(map[int64]runstate.ScoredDoc)
	order := make([]int64, 0)

	weight := 1.0
	for _, leg := range legs {
		for _, d := range leg {
			d.Score *= weight
			if prev, ok := best[d.ID]; ok {
				if d.Score > prev.Score {
					best[d.ID] = d
				}
				continue
			}
			best[d.ID] = d
			order = append(order, d.ID)
		}
		weight *= decay
	}

	out := make([]runstate.ScoredDoc, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
