package catalog

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// KeywordHit is a BM25 match.
type KeywordHit struct {
	Record Record
	Score  float64
}

// KeywordConfig holds BM25 Okapi parameters.
type KeywordConfig struct {
	K1      float64
	B       float64
	Epsilon float64 // floor for negative idf, as a fraction of the mean idf
}

// DefaultKeywordConfig returns k1=1.5, b=0.75, epsilon=0.25.
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{K1: 1.5, B: 0.75, Epsilon: 0.25}
}

// KeywordIndex is an in-process BM25 Okapi index over record text.
// Until Build is called it reports itself unbuilt and returns no hits.
type KeywordIndex struct {
	cfg KeywordConfig

	mu     sync.RWMutex
	built  bool
	docs   []keywordDoc
	idf    map[string]float64
	avgLen float64
}

type keywordDoc struct {
	record Record
	freqs  map[string]int
	length int
}

// NewKeywordIndex creates an unbuilt index.
func NewKeywordIndex(cfg KeywordConfig) *KeywordIndex {
	if cfg.K1 <= 0 {
		cfg.K1 = 1.5
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = 0.75
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.25
	}
	return &KeywordIndex{cfg: cfg}
}

// Tokenize lowercases text and splits on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Build replaces the index contents with records.
func (k *KeywordIndex) Build(records []Record) {
	docs := make([]keywordDoc, 0, len(records))
	for _, r := range records {
		docs = append(docs, newKeywordDoc(r))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.setDocs(docs)
	k.built = true
}

// Add appends or replaces records in a built index.
func (k *KeywordIndex) Add(records []Record) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.built {
		return
	}
	pos := make(map[string]int, len(k.docs))
	for i, d := range k.docs {
		pos[d.record.ID] = i
	}
	docs := append([]keywordDoc(nil), k.docs...)
	for _, r := range records {
		if i, ok := pos[r.ID]; ok {
			docs[i] = newKeywordDoc(r)
			continue
		}
		pos[r.ID] = len(docs)
		docs = append(docs, newKeywordDoc(r))
	}
	k.setDocs(docs)
}

// Remove drops records by id from a built index.
func (k *KeywordIndex) Remove(ids []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.built || len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	docs := make([]keywordDoc, 0, len(k.docs))
	for _, d := range k.docs {
		if _, gone := drop[d.record.ID]; !gone {
			docs = append(docs, d)
		}
	}
	k.setDocs(docs)
}

// Built reports whether Build has been called.
func (k *KeywordIndex) Built() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.built
}

// Len returns the number of indexed documents.
func (k *KeywordIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.docs)
}

// Search scores every document matching filter against tokens and returns the
// top n with a positive score, highest first. Ties keep index order.
func (k *KeywordIndex) Search(ctx context.Context, tokens []string, n int, filter Filter) ([]KeywordHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.built || n <= 0 || len(tokens) == 0 || len(k.docs) == 0 {
		return []KeywordHit{}, nil
	}

	hits := make([]KeywordHit, 0, len(k.docs))
	for i, d := range k.docs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !filter.Matches(d.record) {
			continue
		}
		if s := k.score(d, tokens); s > 0 {
			hits = append(hits, KeywordHit{Record: d.record, Score: s})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if n < len(hits) {
		hits = hits[:n]
	}
	return hits, nil
}

func (k *KeywordIndex) score(d keywordDoc, tokens []string) float64 {
	var s float64
	norm := k.cfg.K1 * (1 - k.cfg.B + k.cfg.B*float64(d.length)/k.avgLen)
	for _, t := range tokens {
		f := float64(d.freqs[t])
		if f == 0 {
			continue
		}
		s += k.idf[t] * f * (k.cfg.K1 + 1) / (f + norm)
	}
	return s
}

// setDocs recomputes corpus statistics. Callers hold the write lock.
func (k *KeywordIndex) setDocs(docs []keywordDoc) {
	k.docs = docs
	k.idf = make(map[string]float64)
	k.avgLen = 0
	if len(docs) == 0 {
		return
	}

	df := make(map[string]int)
	total := 0
	for _, d := range docs {
		total += d.length
		for t := range d.freqs {
			df[t]++
		}
	}
	k.avgLen = float64(total) / float64(len(docs))
	if k.avgLen == 0 {
		k.avgLen = 1
	}

	n := float64(len(docs))
	var idfSum float64
	var negative []string
	for t, freq := range df {
		idf := math.Log(n-float64(freq)+0.5) - math.Log(float64(freq)+0.5)
		k.idf[t] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, t)
		}
	}
	floor := k.cfg.Epsilon * idfSum / float64(len(df))
	for _, t := range negative {
		k.idf[t] = floor
	}
}

func newKeywordDoc(r Record) keywordDoc {
	tokens := Tokenize(r.Text)
	freqs := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freqs[t]++
	}
	return keywordDoc{record: r, freqs: freqs, length: len(tokens)}
}
