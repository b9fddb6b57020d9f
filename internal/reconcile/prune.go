package reconcile

import "recurcal/internal/model"

// PruneResult describes what Prune removed.
type PruneResult struct {
	Expired int
	Orphans int
}

func (p PruneResult) Total() int { return p.Expired + p.Orphans }

// Prune returns a copy of list without the overrides and ghosts that can no
// longer appear in any window starting on or after horizon, and without
// orphaned overrides and ghosts. Base and standalone records are kept.
//
// An override is expired only when both its original slot and its own date
// precede the horizon, since a moved occurrence is shown on its own date.
func Prune(list model.MasterList, horizon model.Date) (model.MasterList, PruneResult) {
	var res PruneResult

	bases := make(map[string]bool)
	for _, rec := range list {
		if b, ok := rec.(model.Base); ok {
			bases[b.SeriesID] = true
		}
	}

	out := make(model.MasterList, 0, len(list))
	for _, rec := range list {
		switch r := rec.(type) {
		case model.Override:
			if !bases[r.SeriesID] {
				res.Orphans++
				continue
			}
			if r.OriginalDate.Before(horizon) && r.Date.Before(horizon) {
				res.Expired++
				continue
			}
		case model.Ghost:
			if !bases[r.SeriesID] {
				res.Orphans++
				continue
			}
			if r.OriginalDate.Before(horizon) {
				res.Expired++
				continue
			}
		}
		out = append(out, rec)
	}
	return out, res
}
