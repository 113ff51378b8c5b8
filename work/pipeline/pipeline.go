package pipeline

import (
	"context"
	"fmt"

	"tvwall-proxy/work/checker"
	"tvwall-proxy/work/config"
	"tvwall-proxy/work/database"
	"tvwall-proxy/work/harvest"
	"tvwall-proxy/work/lists"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/merger"
	"tvwall-proxy/work/metrics"
)

// Status summarizes what a stage did to the published catalog.
type Status int

const (
	// StatusNoChanges means the stage ran to completion and left every
	// list byte-identical.
	StatusNoChanges Status = iota
	// StatusUpdated means at least one list changed on disk.
	StatusUpdated
	// StatusFailed means the stage hit a fatal storage problem and may
	// have stopped partway.
	StatusFailed
)

// String implements fmt.Stringer for log output.
func (s Status) String() string {
	switch s {
	case StatusNoChanges:
		return "no changes"
	case StatusUpdated:
		return "updated"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// combine folds one stage outcome into a running total: any failure is
// final, any update survives later no-change stages.
func combine(total, stage Status) Status {
	if total == StatusFailed || stage == StatusFailed {
		return StatusFailed
	}
	if total == StatusUpdated || stage == StatusUpdated {
		return StatusUpdated
	}
	return StatusNoChanges
}

// Pipeline runs the catalog maintenance stages: rechecking published
// entries, harvesting new candidates, probing them, and merging survivors
// into the catalog. Stages can run individually or as the full sequence.
type Pipeline struct {
	cfg       *config.Config
	store     *lists.Store
	harvester *harvest.Harvester
	checker   *checker.Checker
	db        *database.DB
}

// New wires a Pipeline. db may be nil when probe history is not wanted,
// for example in one-shot command line runs against a scratch directory.
func New(cfg *config.Config, store *lists.Store, h *harvest.Harvester, c *checker.Checker, db *database.DB) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		harvester: h,
		checker:   c,
		db:        db,
	}
}

// Recheck probes every URL currently published in the catalog and prunes
// entries that failed. Protected entries stay regardless of verdict.
// Probe outcomes are recorded for history.
func (p *Pipeline) Recheck(ctx context.Context) Status {
	catalog, err := p.store.CatalogLists()
	if err != nil {
		logger.Error("{pipeline - Recheck} Cannot enumerate catalog: %v", err)
		return StatusFailed
	}

	protect, err := p.store.Load(lists.ListWhitelist)
	if err != nil {
		logger.Error("{pipeline - Recheck} Cannot load protected list: %v", err)
		return StatusFailed
	}

	// probe the union once, then prune each list against the verdicts
	var union []string
	perList := make(map[string][]string, len(catalog))
	for _, name := range catalog {
		urls, err := p.store.Load(name)
		if err != nil {
			logger.Error("{pipeline - Recheck} Cannot load %s: %v", name, err)
			return StatusFailed
		}
		perList[name] = urls
		union = append(union, urls...)
	}
	union = lists.Dedupe(union)

	if len(union) == 0 {
		logger.Info("{pipeline - Recheck} Catalog is empty, nothing to probe")
		return StatusNoChanges
	}

	logger.Info("{pipeline - Recheck} Probing %d published URL(s)", len(union))
	verdicts := p.checker.Check(ctx, union)
	p.recordVerdicts(verdicts)

	status := StatusNoChanges
	for _, name := range catalog {
		pruned := merger.Prune(perList[name], verdicts, protect)
		if equal(pruned, perList[name]) {
			continue
		}
		if err := p.store.Save(name, pruned); err != nil {
			logger.Error("{pipeline - Recheck} Cannot save %s: %v", name, err)
			return StatusFailed
		}
		metrics.CatalogSize.WithLabelValues(name).Set(float64(len(pruned)))
		logger.Info("{pipeline - Recheck} %s: %d -> %d entries", name, len(perList[name]), len(pruned))
		status = StatusUpdated
	}
	return status
}

// ProtectSync snapshots the current catalog union into the protected
// list. Operators run it after manually curating the catalog so that
// later probe failures cannot evict hand-picked entries.
func (p *Pipeline) ProtectSync() Status {
	catalog, err := p.store.CatalogLists()
	if err != nil {
		logger.Error("{pipeline - ProtectSync} Cannot enumerate catalog: %v", err)
		return StatusFailed
	}

	var union []string
	for _, name := range catalog {
		urls, err := p.store.Load(name)
		if err != nil {
			logger.Error("{pipeline - ProtectSync} Cannot load %s: %v", name, err)
			return StatusFailed
		}
		union = append(union, urls...)
	}
	union = lists.Dedupe(union)

	current, err := p.store.Load(lists.ListWhitelist)
	if err != nil {
		logger.Error("{pipeline - ProtectSync} Cannot load protected list: %v", err)
		return StatusFailed
	}
	if equal(union, current) {
		return StatusNoChanges
	}

	if err := p.store.Save(lists.ListWhitelist, union); err != nil {
		logger.Error("{pipeline - ProtectSync} Cannot save protected list: %v", err)
		return StatusFailed
	}
	logger.Info("{pipeline - ProtectSync} Protected list now holds %d entries", len(union))
	return StatusUpdated
}

// Harvest scans the configured sources and stages unknown, unexcluded
// candidates for checking.
func (p *Pipeline) Harvest(ctx context.Context) Status {
	found := p.harvester.Harvest(ctx)
	logger.Info("{pipeline - Harvest} Sources yielded %d link(s)", len(found))

	known, err := p.knownURLs()
	if err != nil {
		logger.Error("{pipeline - Harvest} Cannot load known URLs: %v", err)
		return StatusFailed
	}
	exclude, err := p.store.Load(lists.ListBlacklist)
	if err != nil {
		logger.Error("{pipeline - Harvest} Cannot load excluded list: %v", err)
		return StatusFailed
	}
	excluded := lists.Contains(exclude)

	var candidates []string
	for _, link := range found {
		if _, ok := known[link]; ok {
			continue
		}
		if _, ok := excluded[link]; ok {
			continue
		}
		candidates = append(candidates, link)
	}

	previous, err := p.store.Load(lists.ListCandidates)
	if err != nil {
		logger.Error("{pipeline - Harvest} Cannot load staged candidates: %v", err)
		return StatusFailed
	}
	if equal(candidates, previous) {
		logger.Info("{pipeline - Harvest} No new candidates")
		return StatusNoChanges
	}

	if err := p.store.Save(lists.ListCandidates, candidates); err != nil {
		logger.Error("{pipeline - Harvest} Cannot save staged candidates: %v", err)
		return StatusFailed
	}
	logger.Info("{pipeline - Harvest} Staged %d new candidate(s)", len(candidates))
	return StatusUpdated
}

// Check probes every staged candidate and records the playable survivors
// for merging.
func (p *Pipeline) Check(ctx context.Context) Status {
	candidates, err := p.store.Load(lists.ListCandidates)
	if err != nil {
		logger.Error("{pipeline - Check} Cannot load staged candidates: %v", err)
		return StatusFailed
	}
	if len(candidates) == 0 {
		logger.Info("{pipeline - Check} No staged candidates to probe")
		return StatusNoChanges
	}

	logger.Info("{pipeline - Check} Probing %d candidate(s)", len(candidates))
	verdicts := p.checker.Check(ctx, candidates)
	p.recordVerdicts(verdicts)

	playable := checker.Playable(candidates, verdicts)
	previous, err := p.store.Load(lists.ListChecked)
	if err != nil {
		logger.Error("{pipeline - Check} Cannot load checked list: %v", err)
		return StatusFailed
	}
	if equal(playable, previous) {
		return StatusNoChanges
	}

	if err := p.store.Save(lists.ListChecked, playable); err != nil {
		logger.Error("{pipeline - Check} Cannot save checked list: %v", err)
		return StatusFailed
	}
	logger.Info("{pipeline - Check} %d of %d candidate(s) playable", len(playable), len(candidates))
	return StatusUpdated
}

// Merge folds checked candidates into the main catalog list and applies
// exclusions across every published list. The staging lists are cleared
// once their contents have landed.
func (p *Pipeline) Merge() Status {
	candidates, err := p.store.Load(lists.ListCandidates)
	if err != nil {
		logger.Error("{pipeline - Merge} Cannot load staged candidates: %v", err)
		return StatusFailed
	}
	checked, err := p.store.Load(lists.ListChecked)
	if err != nil {
		logger.Error("{pipeline - Merge} Cannot load checked list: %v", err)
		return StatusFailed
	}
	exclude, err := p.store.Load(lists.ListBlacklist)
	if err != nil {
		logger.Error("{pipeline - Merge} Cannot load excluded list: %v", err)
		return StatusFailed
	}
	protect, err := p.store.Load(lists.ListWhitelist)
	if err != nil {
		logger.Error("{pipeline - Merge} Cannot load protected list: %v", err)
		return StatusFailed
	}

	// The checked list is the record of which candidates survived
	// probing; staged candidates absent from it did not.
	verdicts := make(map[string]checker.Verdict, len(candidates))
	passed := lists.Contains(checked)
	for _, candidate := range candidates {
		_, ok := passed[candidate]
		verdicts[candidate] = checker.Verdict{Playable: ok}
	}

	status := StatusNoChanges

	// new entries land in the main list only; themed lists are curated
	all, err := p.store.Load(lists.ListAll)
	if err != nil {
		logger.Error("{pipeline - Merge} Cannot load %s: %v", lists.ListAll, err)
		return StatusFailed
	}
	merged := merger.Merge(all, candidates, verdicts, exclude, protect)
	if !equal(merged, all) {
		if err := p.store.Save(lists.ListAll, merged); err != nil {
			logger.Error("{pipeline - Merge} Cannot save %s: %v", lists.ListAll, err)
			return StatusFailed
		}
		metrics.CatalogSize.WithLabelValues(lists.ListAll).Set(float64(len(merged)))
		logger.Info("{pipeline - Merge} %s: %d -> %d entries", lists.ListAll, len(all), len(merged))
		status = StatusUpdated
	}

	// exclusions and failed verdicts apply everywhere
	catalog, err := p.store.CatalogLists()
	if err != nil {
		logger.Error("{pipeline - Merge} Cannot enumerate catalog: %v", err)
		return StatusFailed
	}
	for _, name := range catalog {
		if name == lists.ListAll {
			continue
		}
		existing, err := p.store.Load(name)
		if err != nil {
			logger.Error("{pipeline - Merge} Cannot load %s: %v", name, err)
			return StatusFailed
		}
		cleaned := merger.Merge(existing, nil, verdicts, exclude, protect)
		if equal(cleaned, existing) {
			continue
		}
		if err := p.store.Save(name, cleaned); err != nil {
			logger.Error("{pipeline - Merge} Cannot save %s: %v", name, err)
			return StatusFailed
		}
		metrics.CatalogSize.WithLabelValues(name).Set(float64(len(cleaned)))
		logger.Info("{pipeline - Merge} %s: %d -> %d entries", name, len(existing), len(cleaned))
		status = StatusUpdated
	}

	// clear staging only after every write above succeeded
	if len(candidates) > 0 || len(checked) > 0 {
		if err := p.store.Save(lists.ListCandidates, nil); err != nil {
			logger.Error("{pipeline - Merge} Cannot clear staged candidates: %v", err)
			return StatusFailed
		}
		if err := p.store.Save(lists.ListChecked, nil); err != nil {
			logger.Error("{pipeline - Merge} Cannot clear checked list: %v", err)
			return StatusFailed
		}
	}

	return status
}

// Full runs the complete maintenance sequence: recheck what is published,
// harvest new candidates, probe them, merge the survivors.
func (p *Pipeline) Full(ctx context.Context) Status {
	total := StatusNoChanges

	for _, stage := range []struct {
		name string
		run  func() Status
	}{
		{"recheck", func() Status { return p.Recheck(ctx) }},
		{"harvest", func() Status { return p.Harvest(ctx) }},
		{"check", func() Status { return p.Check(ctx) }},
		{"merge", p.Merge},
	} {
		result := stage.run()
		logger.Info("{pipeline - Full} Stage %s: %s", stage.name, result)
		total = combine(total, result)
		if total == StatusFailed {
			return StatusFailed
		}
	}
	return total
}

// knownURLs returns the membership set of every published URL.
func (p *Pipeline) knownURLs() (map[string]struct{}, error) {
	catalog, err := p.store.CatalogLists()
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{})
	for _, name := range catalog {
		urls, err := p.store.Load(name)
		if err != nil {
			return nil, err
		}
		for _, u := range urls {
			known[u] = struct{}{}
		}
	}
	return known, nil
}

// recordVerdicts persists probe outcomes when history is enabled, then
// drops rows older than the retention window so the history file stays
// bounded.
func (p *Pipeline) recordVerdicts(verdicts map[string]checker.Verdict) {
	if p.db == nil {
		return
	}

	rows := make([]database.ProbeRow, 0, len(verdicts))
	for url, verdict := range verdicts {
		rows = append(rows, database.ProbeRow{
			URL:       url,
			Playable:  verdict.Playable,
			Reason:    verdict.Reason,
			ElapsedMs: verdict.Elapsed.Milliseconds(),
		})
	}
	if err := p.db.RecordProbes(rows); err != nil {
		logger.Warn("{pipeline - recordVerdicts} Probe history write failed: %v", err)
		return
	}

	pruned, err := p.db.Prune(p.cfg.ProbeRetention)
	if err != nil {
		logger.Warn("{pipeline - recordVerdicts} Probe history prune failed: %v", err)
	} else if pruned > 0 {
		logger.Debug("{pipeline - recordVerdicts} Pruned %d probe row(s) past retention", pruned)
	}
}

// equal reports whether two lists hold the same URLs in the same order.
func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
