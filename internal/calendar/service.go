// Package calendar owns "the current master list": it feeds snapshots to the
// reconciliation engine, applies resolver mutations optimistically, persists
// them and rolls back when persistence fails.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/mutate"
	"recurcal/internal/reconcile"
	"recurcal/internal/store"
)

// PersistenceError wraps a store failure. The in-memory list has already
// been rolled back to the last confirmed snapshot when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persist " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Options tune a Service.
type Options struct {
	Resolver              *mutate.Resolver
	MaxInstancesPerSeries int
}

// Service serialises mutations and hands out immutable snapshots.
type Service struct {
	store    store.Store
	resolver *mutate.Resolver
	maxPer   int

	// writeMu serialises mutate+persist; mu guards the snapshot.
	writeMu sync.Mutex
	mu      sync.RWMutex
	current model.MasterList
	version uint64
}

func NewService(st store.Store, opts Options) *Service {
	r := opts.Resolver
	if r == nil {
		r = mutate.New()
	}
	return &Service{
		store:    st,
		resolver: r,
		maxPer:   opts.MaxInstancesPerSeries,
		current:  model.MasterList{},
	}
}

// Load replaces the snapshot with the stored list.
func (s *Service) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	list, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load master list: %w", err)
	}
	s.set(list)
	appLog.Info("master list loaded", "records", len(list))
	return nil
}

// Snapshot returns the current list and its version. The version changes
// on every accepted mutation or reload.
func (s *Service) Snapshot() (model.MasterList, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Instances expands the current snapshot over w.
func (s *Service) Instances(w model.Window) (reconcile.Result, error) {
	list, _ := s.Snapshot()
	res, err := reconcile.Expand(list, reconcile.Config{Window: w, MaxInstancesPerSeries: s.maxPer})
	if err != nil {
		return res, err
	}
	model.SortInstances(res.Instances)
	return res, nil
}

// Save resolves an edit and persists the resulting list.
func (s *Service) Save(ctx context.Context, target model.Target, form mutate.Form, scope mutate.Scope) (model.MasterList, error) {
	return s.apply(ctx, "save", func(list model.MasterList) (model.MasterList, error) {
		return s.resolver.Save(list, target, form, scope)
	})
}

// Delete resolves a delete and persists the resulting list.
func (s *Service) Delete(ctx context.Context, target model.Target, scope mutate.Scope) (model.MasterList, error) {
	return s.apply(ctx, "delete", func(list model.MasterList) (model.MasterList, error) {
		return s.resolver.Delete(list, target, scope)
	})
}

// Replace persists list wholesale, e.g. after an import.
func (s *Service) Replace(ctx context.Context, list model.MasterList) (model.MasterList, error) {
	return s.apply(ctx, "replace", func(model.MasterList) (model.MasterList, error) {
		return list.Clone(), nil
	})
}

// Merge folds incoming into the current list, e.g. after an ICS import.
// The current list is read under the write lock, so a concurrent mutation
// is either fully included or not at all.
func (s *Service) Merge(ctx context.Context, incoming model.MasterList) (model.MasterList, error) {
	return s.apply(ctx, "merge", func(list model.MasterList) (model.MasterList, error) {
		return mergeRecords(list, incoming), nil
	})
}

// mergeRecords replaces records of current that share an id with incoming,
// in place, and appends the rest. A ghost for an occurrence that already
// has one is dropped, since ghosts carry no stable id across an ICS round
// trip.
func mergeRecords(current, incoming model.MasterList) model.MasterList {
	out := current.Clone()
	ghosted := make(map[model.SeriesKey]bool)
	for _, rec := range out {
		if g, ok := rec.(model.Ghost); ok {
			ghosted[model.SeriesKey{SeriesID: g.SeriesID, OriginalDate: g.OriginalDate}] = true
		}
	}

	for _, rec := range incoming {
		if i := out.Find(rec.RecordID()); i >= 0 {
			out[i] = rec
			if g, ok := rec.(model.Ghost); ok {
				ghosted[model.SeriesKey{SeriesID: g.SeriesID, OriginalDate: g.OriginalDate}] = true
			}
			continue
		}
		if g, ok := rec.(model.Ghost); ok {
			key := model.SeriesKey{SeriesID: g.SeriesID, OriginalDate: g.OriginalDate}
			if ghosted[key] {
				continue
			}
			ghosted[key] = true
		}
		out = append(out, rec)
	}
	return out
}

// Prune drops overrides and ghosts that cannot be shown on or after horizon.
func (s *Service) Prune(ctx context.Context, horizon model.Date) (reconcile.PruneResult, error) {
	var res reconcile.PruneResult
	_, err := s.apply(ctx, "prune", func(list model.MasterList) (model.MasterList, error) {
		var out model.MasterList
		out, res = reconcile.Prune(list, horizon)
		if res.Total() == 0 {
			return nil, errNoChange
		}
		return out, nil
	})
	if errors.Is(err, errNoChange) {
		return res, nil
	}
	return res, err
}

var errNoChange = errors.New("no change")

// apply runs fn against the current snapshot, publishes the result
// optimistically and persists it. On persistence failure the previous
// snapshot is restored.
func (s *Service) apply(ctx context.Context, op string, fn func(model.MasterList) (model.MasterList, error)) (model.MasterList, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, _ := s.Snapshot()
	next, err := fn(prev)
	if err != nil {
		return nil, err
	}

	s.set(next)

	start := time.Now()
	if err := s.store.Save(ctx, next); err != nil {
		s.set(prev)
		appLog.Error("persist failed; rolled back", err, "op", op, "records", len(next))
		return nil, &PersistenceError{Op: op, Err: err}
	}
	appLog.Info("master list persisted", "op", op, "records", len(next), "took", time.Since(start))
	return next, nil
}

func (s *Service) set(list model.MasterList) {
	if list == nil {
		list = model.MasterList{}
	}
	s.mu.Lock()
	s.current = list
	s.version++
	s.mu.Unlock()
}

// Watch reloads the list whenever the store reports an external change.
// Stores without change notification return immediately.
func (s *Service) Watch(ctx context.Context) error {
	w, ok := s.store.(store.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func() {
		if err := s.Load(ctx); err != nil {
			appLog.Error("reload after external change failed", err)
		}
	})
}
