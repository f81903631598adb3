// Package dedup finds and removes duplicate catalog records and screens new
// records before they are indexed.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

// Strategy selects how duplicates are grouped.
type Strategy string

const (
	StrategyExact    Strategy = "exact"
	StrategyNear     Strategy = "near"
	StrategySemantic Strategy = "semantic"
)

// KeepPolicy selects the surviving record of a group.
type KeepPolicy string

const (
	KeepFirst KeepPolicy = "first"
	KeepLast  KeepPolicy = "last"
	KeepBest  KeepPolicy = "best"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyExact:
		return StrategyExact, nil
	case StrategyNear:
		return StrategyNear, nil
	case StrategySemantic:
		return StrategySemantic, nil
	}
	return "", apperr.Validation("dedup.strategy", fmt.Sprintf("unknown strategy %q", s))
}

// ParseKeepPolicy validates a keep policy name.
func ParseKeepPolicy(s string) (KeepPolicy, error) {
	switch KeepPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case KeepFirst:
		return KeepFirst, nil
	case KeepLast:
		return KeepLast, nil
	case KeepBest:
		return KeepBest, nil
	}
	return "", apperr.Validation("dedup.keep", fmt.Sprintf("unknown keep policy %q", s))
}

// Group is a set of two or more records considered duplicates. IDs are in
// index order.
type Group struct {
	Key string   `json:"key"`
	IDs []string `json:"ids"`
}

// Report describes a RemoveDuplicates run.
type Report struct {
	Strategy     Strategy   `json:"strategy"`
	Keep         KeepPolicy `json:"keep"`
	DryRun       bool       `json:"dry_run"`
	Groups       []Group    `json:"groups"`
	RemovedIDs   []string   `json:"removed_ids"`
	RemovedCount int        `json:"removed_count"`
}

// CheckResult is the outcome of CheckBeforeInsert.
type CheckResult struct {
	IsDuplicate bool    `json:"is_duplicate"`
	ExistingID  string  `json:"existing_id,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`
	Method      string  `json:"method,omitempty"`
	// Degraded is set when an index error forced the check to pass.
	Degraded bool `json:"degraded,omitempty"`
}

// Config holds dedup settings.
type Config struct {
	NearThreshold float64
}

// Engine runs duplicate detection against a vector index.
type Engine struct {
	index     catalog.VectorIndex
	logger    *observability.Logger
	threshold float64
	onRemove  func(ctx context.Context, ids []string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemoveHook registers a callback invoked after records are deleted.
func WithRemoveHook(fn func(ctx context.Context, ids []string)) Option {
	return func(e *Engine) { e.onRemove = fn }
}

// NewEngine creates a dedup engine. A non-positive threshold defaults to 0.95.
func NewEngine(index catalog.VectorIndex, logger *observability.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.NearThreshold <= 0 || cfg.NearThreshold > 1 {
		cfg.NearThreshold = 0.95
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Engine{
		index:     index,
		logger:    logger.WithComponent("dedup"),
		threshold: cfg.NearThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the near-duplicate similarity threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

const hashTextLimit = 500

// ContentHash fingerprints the key fields of a record: code, name, brand,
// source, row index and the first 500 characters of text.
func ContentHash(r catalog.Record) string {
	text := []rune(r.Text)
	if len(text) > hashTextLimit {
		text = text[:hashTextLimit]
	}
	canonical := strings.Join([]string{
		r.Attributes.Code,
		r.Attributes.Name,
		r.Attributes.Brand,
		r.Source,
		strconv.Itoa(r.RowIndex),
		string(text),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Completeness counts the non-empty canonical fields of a record.
func Completeness(r catalog.Record) int {
	n := 0
	for _, v := range []string{r.Attributes.Code, r.Attributes.Name, r.Attributes.Brand, r.Attributes.DisplayName, r.Attributes.Quantity} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	if r.Attributes.HasImage {
		n++
	}
	return n
}

// FindDuplicates groups the indexed records by strategy. Index errors are
// logged and yield no groups; only an unknown strategy is an error.
func (e *Engine) FindDuplicates(ctx context.Context, strategy Strategy) ([]Group, error) {
	groups, _, err := e.find(ctx, strategy)
	return groups, err
}

func (e *Engine) find(ctx context.Context, strategy Strategy) ([]Group, map[string]catalog.Record, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, nil, err
	}
	ctx, span := observability.StartSpan(ctx, "dedup.find", attribute.String("strategy", string(strategy)))
	defer span.End()

	records, err := e.index.List(ctx, catalog.Filter{})
	if err != nil {
		e.logger.WithContext(ctx).Warn().Err(err).Str("strategy", string(strategy)).Msg("Listing records for dedup failed")
		return []Group{}, nil, nil
	}

	var groups []Group
	switch strategy {
	case StrategyExact:
		groups = groupByKey(records, func(r catalog.Record) string { return ContentHash(r) })
	case StrategySemantic:
		groups = groupByKey(records, semanticKey)
	case StrategyNear:
		groups = e.nearGroups(records)
	}

	byID := make(map[string]catalog.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	span.SetAttributes(attribute.Int("records", len(records)), attribute.Int("groups", len(groups)))
	return groups, byID, nil
}

// semanticKey is lower(brand)|lower(code). Records without a code have no key.
func semanticKey(r catalog.Record) string {
	code := strings.ToLower(strings.TrimSpace(r.Attributes.Code))
	if code == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Attributes.Brand)) + "|" + code
}

// groupByKey groups records sharing a non-empty key. Groups are ordered by
// the index position of their first member.
func groupByKey(records []catalog.Record, key func(catalog.Record) string) []Group {
	pos := make(map[string]int)
	var groups []Group
	for _, r := range records {
		k := key(r)
		if k == "" {
			continue
		}
		i, ok := pos[k]
		if !ok {
			i = len(groups)
			pos[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].IDs = append(groups[i].IDs, r.ID)
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(g.IDs) >= 2 {
			out = append(out, g)
		}
	}
	return out
}

// nearGroups scans records in index order. Each unprocessed record seeds a
// group; a later unprocessed record joins only if its similarity to every
// current member reaches the threshold. Results depend on scan order and are
// not transitive closures.
func (e *Engine) nearGroups(records []catalog.Record) []Group {
	processed := make([]bool, len(records))
	out := []Group{}
	for i := range records {
		if processed[i] || len(records[i].Embedding) == 0 {
			continue
		}
		processed[i] = true
		members := []int{i}
		for j := i + 1; j < len(records); j++ {
			if processed[j] || len(records[j].Embedding) == 0 {
				continue
			}
			if e.admits(records, members, j) {
				members = append(members, j)
				processed[j] = true
			}
		}
		if len(members) < 2 {
			continue
		}
		g := Group{Key: "near:" + records[i].ID}
		for _, m := range members {
			g.IDs = append(g.IDs, records[m].ID)
		}
		out = append(out, g)
	}
	return out
}

func (e *Engine) admits(records []catalog.Record, members []int, j int) bool {
	for _, m := range members {
		if catalog.CosineSimilarity(records[m].Embedding, records[j].Embedding) < e.threshold {
			return false
		}
	}
	return true
}

// RemoveDuplicates groups records and deletes all but one per group. With
// dryRun the index is never touched.
func (e *Engine) RemoveDuplicates(ctx context.Context, strategy Strategy, keep KeepPolicy, dryRun bool) (Report, error) {
	report := Report{Strategy: strategy, Keep: keep, DryRun: dryRun, Groups: []Group{}, RemovedIDs: []string{}}
	if _, err := ParseKeepPolicy(string(keep)); err != nil {
		return report, err
	}
	groups, byID, err := e.find(ctx, strategy)
	if err != nil {
		return report, err
	}
	report.Groups = groups

	for _, g := range groups {
		survivor := pickSurvivor(g.IDs, keep, byID)
		for _, id := range g.IDs {
			if id != survivor {
				report.RemovedIDs = append(report.RemovedIDs, id)
			}
		}
	}

	log := e.logger.WithContext(ctx)
	if dryRun || len(report.RemovedIDs) == 0 {
		report.RemovedCount = len(report.RemovedIDs)
		log.Info().
			Str("strategy", string(strategy)).
			Str("keep", string(keep)).
			Bool("dry_run", dryRun).
			Int("groups", len(groups)).
			Int("would_remove", report.RemovedCount).
			Msg("Duplicate scan complete")
		return report, nil
	}

	if err := e.index.Delete(ctx, report.RemovedIDs); err != nil {
		log.Warn().Err(err).Int("ids", len(report.RemovedIDs)).Msg("Deleting duplicates failed")
		report.RemovedIDs = []string{}
		return report, nil
	}
	report.RemovedCount = len(report.RemovedIDs)
	if e.onRemove != nil {
		e.onRemove(ctx, report.RemovedIDs)
	}
	log.Info().
		Str("strategy", string(strategy)).
		Str("keep", string(keep)).
		Int("groups", len(groups)).
		Int("removed", report.RemovedCount).
		Msg("Duplicates removed")
	return report, nil
}

func pickSurvivor(ids []string, keep KeepPolicy, byID map[string]catalog.Record) string {
	switch keep {
	case KeepLast:
		return ids[len(ids)-1]
	case KeepBest:
		best, bestScore := ids[0], Completeness(byID[ids[0]])
		for _, id := range ids[1:] {
			if s := Completeness(byID[id]); s > bestScore {
				best, bestScore = id, s
			}
		}
		return best
	default:
		return ids[0]
	}
}

// CanonicalFilter returns the ids that RemoveDuplicates would drop under the
// best keep policy. Searches pass them as exclusions to see canonical records only.
func (e *Engine) CanonicalFilter(ctx context.Context, strategy Strategy) ([]string, error) {
	report, err := e.RemoveDuplicates(ctx, strategy, KeepBest, true)
	if err != nil {
		return nil, err
	}
	return report.RemovedIDs, nil
}

// CheckBeforeInsert reports whether rec duplicates an indexed record. It
// first compares content hashes among records sharing rec's code and source,
// then, when rec has an embedding, checks its nearest neighbor against the
// threshold. Records with rec's own id are ignored. Index errors never block
// insertion: the check passes and Degraded is set.
func (e *Engine) CheckBeforeInsert(ctx context.Context, rec catalog.Record) CheckResult {
	ctx, span := observability.StartSpan(ctx, "dedup.check")
	defer span.End()
	log := e.logger.WithContext(ctx)
	var res CheckResult

	hash := ContentHash(rec)
	existing, err := e.index.List(ctx, catalog.Filter{Code: rec.Attributes.Code, Source: rec.Source})
	if err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("Exact duplicate check failed, allowing insert")
		res.Degraded = true
	}
	for _, r := range existing {
		if r.ID != rec.ID && ContentHash(r) == hash {
			return CheckResult{IsDuplicate: true, ExistingID: r.ID, Similarity: 1, Method: string(StrategyExact), Degraded: res.Degraded}
		}
	}

	if len(rec.Embedding) == 0 {
		return res
	}
	matches, err := e.index.Query(ctx, rec.Embedding, 2, catalog.Filter{})
	if err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("Near duplicate check failed, allowing insert")
		res.Degraded = true
		return res
	}
	for _, m := range matches {
		if m.Record.ID == rec.ID {
			continue
		}
		sim := 1 - m.Distance
		if sim >= e.threshold {
			res.IsDuplicate = true
			res.ExistingID = m.Record.ID
			res.Similarity = sim
			res.Method = string(StrategyNear)
		}
		break
	}
	return res
}
