package app

import (
	"context"
	"fmt"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/dedup"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/embedding"
)

// IndexReport summarizes an indexing run.
type IndexReport struct {
	Received   int                 `json:"received"`
	Indexed    int                 `json:"indexed"`
	Skipped    []dedup.CheckResult `json:"skipped"`
	SkippedIDs []string            `json:"skipped_ids"`
	Degraded   int                 `json:"degraded_checks"`

	// UnembeddedIDs lists records left out because no embedding could be
	// produced and the index cannot store records without one.
	UnembeddedIDs []string `json:"unembedded_ids,omitempty"`
}

// IndexOptions tunes IndexRecords.
type IndexOptions struct {
	// CheckDuplicates runs the pre-insert duplicate check per record.
	CheckDuplicates bool
	// Progress is called after each record is handled.
	Progress func(done, total int)
}

// IndexRecords embeds records that carry no vector and upserts them. With
// duplicate checks enabled records are inserted one at a time so later
// records are checked against earlier ones from the same batch.
func (a *App) IndexRecords(ctx context.Context, records []catalog.Record, opts IndexOptions) (IndexReport, error) {
	report := IndexReport{Received: len(records), Skipped: []dedup.CheckResult{}, SkippedIDs: []string{}}
	if len(records) == 0 {
		return report, nil
	}

	var texts []string
	var missing []int
	for i, r := range records {
		if len(r.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, r.Text)
		}
	}
	if len(texts) > 0 {
		vecs := embedding.EmbedBatchSafe(ctx, a.Embedder, a.Logger, texts, a.Config.Embedding.BatchSize)
		for j, i := range missing {
			records[i].Embedding = vecs[j]
		}
	}

	if a.Catalog.RequiresEmbeddings() {
		kept := make([]catalog.Record, 0, len(records))
		for _, r := range records {
			if len(r.Embedding) == 0 {
				report.UnembeddedIDs = append(report.UnembeddedIDs, r.ID)
				continue
			}
			kept = append(kept, r)
		}
		if len(report.UnembeddedIDs) > 0 {
			a.Logger.WithContext(ctx).Warn().
				Strs("ids", report.UnembeddedIDs).
				Msg("Records without embeddings left out of the index")
		}
		records = kept
	}

	progress := func(done int) {
		if opts.Progress != nil {
			opts.Progress(done, len(records))
		}
	}

	if !opts.CheckDuplicates {
		if err := a.Catalog.Upsert(ctx, records); err != nil {
			return report, fmt.Errorf("upsert records: %w", err)
		}
		report.Indexed = len(records)
		progress(len(records))
	} else {
		for i, r := range records {
			res := a.Dedup.CheckBeforeInsert(ctx, r)
			if res.Degraded {
				report.Degraded++
			}
			if res.IsDuplicate {
				report.Skipped = append(report.Skipped, res)
				report.SkippedIDs = append(report.SkippedIDs, r.ID)
				progress(i + 1)
				continue
			}
			if err := a.Catalog.Upsert(ctx, []catalog.Record{r}); err != nil {
				return report, fmt.Errorf("upsert record %s: %w", r.ID, err)
			}
			report.Indexed++
			progress(i + 1)
		}
	}

	a.Search.InvalidateCache(ctx)
	a.Logger.WithContext(ctx).Info().
		Int("received", report.Received).
		Int("indexed", report.Indexed).
		Int("skipped", len(report.SkippedIDs)).
		Int("unembedded", len(report.UnembeddedIDs)).
		Int("degraded_checks", report.Degraded).
		Msg("Catalog indexed")
	return report, nil
}

// SeedCatalog loads the configured seed file into the index, if any.
func (a *App) SeedCatalog(ctx context.Context) (IndexReport, error) {
	path := a.Config.Index.SeedFile
	if path == "" {
		return IndexReport{Skipped: []dedup.CheckResult{}, SkippedIDs: []string{}}, nil
	}
	records, err := catalog.LoadFile(path)
	if err != nil {
		return IndexReport{}, err
	}
	return a.IndexRecords(ctx, records, IndexOptions{CheckDuplicates: a.Config.Dedup.CheckOnIndex})
}
