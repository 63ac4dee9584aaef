// Package index provides hybrid retrieval: BM25 keyword search and dense
// cosine similarity fused into a single ranking. The index is rebuilt as
// an immutable generation and swapped atomically, so queries never observe
// a partially built index.
package index

import "sort"

// candidate accumulates per-channel raw scores for one chunk during
// fusion. A chunk surfaced by only one channel scores zero on the other.
type candidate struct {
	chunkID  string
	dense    float64
	lexical  float64
	hasDense bool
	hasLex   bool
}

// fusedScore is the ranked fusion output for one chunk.
type fusedScore struct {
	chunkID string
	score   float64
	dense   float64
	lexical float64
}

// fuse min-max normalizes each channel over the candidate set and ranks
// by alpha*dense + (1-alpha)*lexical. Ties break by raw lexical score,
// then chunk ID, so rankings are deterministic across runs.
func fuse(candidates []candidate, alpha float64) []fusedScore {
	if len(candidates) == 0 {
		return nil
	}

	denseNorm := normalizeChannel(candidates, func(c candidate) (float64, bool) { return c.dense, c.hasDense })
	lexNorm := normalizeChannel(candidates, func(c candidate) (float64, bool) { return c.lexical, c.hasLex })

	out := make([]fusedScore, len(candidates))
	for i, c := range candidates {
		out[i] = fusedScore{
			chunkID: c.chunkID,
			score:   alpha*denseNorm[i] + (1-alpha)*lexNorm[i],
			dense:   denseNorm[i],
			lexical: lexNorm[i],
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].lexical != out[j].lexical {
			return out[i].lexical > out[j].lexical
		}
		return out[i].chunkID < out[j].chunkID
	})
	return out
}

// normalizeChannel min-max scales one channel's raw scores to [0,1].
// Chunks the channel never scored stay at zero. A degenerate channel
// (all candidates share one value) maps to 1.0 so a single-channel
// ranking is preserved rather than zeroed out.
func normalizeChannel(candidates []candidate, get func(candidate) (float64, bool)) []float64 {
	minV, maxV := 0.0, 0.0
	seen := false
	for _, c := range candidates {
		v, ok := get(c)
		if !ok {
			continue
		}
		if !seen {
			minV, maxV = v, v
			seen = true
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	norm := make([]float64, len(candidates))
	if !seen {
		return norm
	}

	span := maxV - minV
	for i, c := range candidates {
		v, ok := get(c)
		if !ok {
			continue
		}
		if span == 0 {
			norm[i] = 1.0
		} else {
			norm[i] = (v - minV) / span
		}
	}
	return norm
}
