package retrieval

import (
	"math"
	"sort"
)

// Bucket maps a final score to its confidence band and display percentage.
// The percentages are fixed labels, not the raw score.
func Bucket(score float64) (ConfidenceLevel, int) {
	switch {
	case score >= 0.9:
		return ConfidenceVeryHigh, 95
	case score >= 0.8:
		return ConfidenceHigh, 85
	case score >= 0.7:
		return ConfidenceMedium, 70
	case score >= 0.6:
		return ConfidenceLow, 60
	default:
		return ConfidenceVeryLow, 40
	}
}

// Hit is a sub-search result before fusion. Score is already on the fusion
// scale (similarity for semantic hits, normalized BM25 for keyword hits).
type Hit struct {
	ID       string
	Text     string
	Metadata map[string]string
	Score    float64
}

// Fuse combines semantic and keyword hits. A candidate found by one source gets
// only that source's weighted term; the sum is not renormalized. The result is
// sorted by fused score, ties keeping first-seen order (semantic hits first).
func Fuse(semantic, keyword []Hit, semanticWeight, keywordWeight float64) []Candidate {
	byID := make(map[string]int, len(semantic)+len(keyword))
	out := make([]Candidate, 0, len(semantic)+len(keyword))

	for _, h := range semantic {
		if _, dup := byID[h.ID]; dup {
			continue
		}
		byID[h.ID] = len(out)
		out = append(out, Candidate{
			ID:            h.ID,
			Text:          h.Text,
			Metadata:      h.Metadata,
			Sources:       []string{SourceSemantic},
			SemanticScore: h.Score,
		})
	}
	for _, h := range keyword {
		if i, ok := byID[h.ID]; ok {
			if !hasSource(out[i], SourceKeyword) {
				out[i].KeywordScore = h.Score
				out[i].Sources = append(out[i].Sources, SourceKeyword)
			}
			continue
		}
		byID[h.ID] = len(out)
		out = append(out, Candidate{
			ID:           h.ID,
			Text:         h.Text,
			Metadata:     h.Metadata,
			Sources:      []string{SourceKeyword},
			KeywordScore: h.Score,
		})
	}

	for i := range out {
		c := &out[i]
		c.FusedScore = semanticWeight*c.SemanticScore + keywordWeight*c.KeywordScore
		c.FinalScore = c.FusedScore
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FusedScore > out[j].FusedScore })
	return out
}

func hasSource(c Candidate, src string) bool {
	for _, s := range c.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// MinMax scales values to [0,1]. When all values are equal every entry is 1.
func MinMax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for i, v := range values {
		if span == 0 {
			out[i] = 1
			continue
		}
		out[i] = (v - lo) / span
	}
	return out
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// applyRerank sets rerank scores on candidates and reorders them. In replace
// mode the final score is the rerank score; in hybrid mode it is
// initialWeight*minmax(fused) + rerankWeight*sigmoid(rerank).
func applyRerank(cands []Candidate, scores []float64, mode string, initialWeight, rerankWeight float64) {
	var norm []float64
	if mode == RerankModeHybrid {
		fused := make([]float64, len(cands))
		for i, c := range cands {
			fused[i] = c.FusedScore
		}
		norm = MinMax(fused)
	}

	for i := range cands {
		rs := scores[i]
		cands[i].RerankScore = &rs
		if mode == RerankModeHybrid {
			h := initialWeight*norm[i] + rerankWeight*Sigmoid(rs)
			cands[i].HybridScore = &h
			cands[i].FinalScore = h
		} else {
			cands[i].FinalScore = rs
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].FinalScore > cands[j].FinalScore })
}

func assignBands(cands []Candidate) {
	for i := range cands {
		cands[i].ConfidenceLevel, cands[i].ConfidencePercentage = Bucket(cands[i].FinalScore)
	}
}
