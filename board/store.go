package board

import (
	"context"
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"protracker/domain"
)

var (
	ErrStoreClosed       = errors.New("task store is closed")
	ErrNoFetcher         = errors.New("task store has no fetcher")
	ErrRefreshSuperseded = errors.New("refresh superseded")
)

// Fetcher loads the authoritative contents of a view from the backend.
type Fetcher interface {
	FetchView(ctx context.Context, key ViewKey) ([]domain.Task, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key ViewKey) ([]domain.Task, error)

func (f FetcherFunc) FetchView(ctx context.Context, key ViewKey) ([]domain.Task, error) {
	return f(ctx, key)
}

// ChangeKind describes why a view changed.
type ChangeKind string

const (
	ChangeSet         ChangeKind = "set"
	ChangeRefreshed   ChangeKind = "refreshed"
	ChangeInvalidated ChangeKind = "invalidated"
	ChangeRolledBack  ChangeKind = "rolled-back"
)

// Change is delivered to subscribers after the store lock is released.
type Change struct {
	Key  ViewKey    `json:"key"`
	Kind ChangeKind `json:"kind"`
}

type view struct {
	tasks    []domain.Task
	loaded   bool
	stale    bool
	version  uint64
	fetchSeq uint64
	cancel   context.CancelFunc
}

type subscriber struct {
	key ViewKey
	all bool
	fn  func(Change)
}

// Store owns every task view. Readers get copies; writes happen only through
// Refresh and the transition manager.
type Store struct {
	fetcher Fetcher
	logger  *log.Logger

	mu      sync.RWMutex
	views   map[ViewKey]*view
	pinned  map[string]domain.Status
	subs    map[uint64]subscriber
	nextSub uint64
	closed  bool
}

// NewStore creates an empty store. fetcher may be nil when views are never refreshed.
func NewStore(fetcher Fetcher, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		fetcher: fetcher,
		logger:  logger,
		views:   make(map[ViewKey]*view),
		pinned:  make(map[string]domain.Status),
		subs:    make(map[uint64]subscriber),
	}
}

// Get returns a copy of the view contents, or false if it was never loaded.
func (s *Store) Get(key ViewKey) ([]domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[key]
	if !ok || !v.loaded {
		return nil, false
	}
	return cloneTasks(v.tasks), true
}

// Stale reports whether a loaded view awaits a refetch.
func (s *Store) Stale(key ViewKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[key]
	return ok && v.loaded && v.stale
}

// Keys lists loaded views in sorted order.
func (s *Store) Keys() []ViewKey {
	s.mu.RLock()
	keys := make([]ViewKey, 0, len(s.views))
	for k, v := range s.views {
		if v.loaded {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Contains reports whether any loaded view holds the task.
func (s *Store) Contains(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.views {
		if v.loaded && domain.IndexOf(v.tasks, taskID) >= 0 {
			return true
		}
	}
	return false
}

// Find returns the first loaded copy of a task, searching views in key order.
func (s *Store) Find(taskID string) (domain.Task, bool) {
	for _, k := range s.Keys() {
		tasks, ok := s.Get(k)
		if !ok {
			continue
		}
		if i := domain.IndexOf(tasks, taskID); i >= 0 {
			return tasks[i], true
		}
	}
	return domain.Task{}, false
}

// Subscribe registers fn for changes of key. Invalidations of a prefix of key
// are delivered too. The returned func unsubscribes.
func (s *Store) Subscribe(key ViewKey, fn func(Change)) func() {
	return s.subscribe(subscriber{key: key, fn: fn})
}

// SubscribeAll registers fn for every change.
func (s *Store) SubscribeAll(fn func(Change)) func() {
	return s.subscribe(subscriber{all: true, fn: fn})
}

func (s *Store) subscribe(sub subscriber) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Invalidate marks every loaded view matching one of keys (segment prefix) as
// stale. Keys that match nothing loaded are still announced to subscribers so
// aggregate views can react. It returns the loaded keys that became stale.
func (s *Store) Invalidate(keys ...ViewKey) []ViewKey {
	s.mu.Lock()
	var (
		marked  []ViewKey
		changes []Change
	)
	for _, k := range dedupeKeys(keys) {
		matched := false
		for vk, v := range s.views {
			if !v.loaded || !vk.HasPrefix(k) {
				continue
			}
			matched = true
			v.stale = true
			marked = append(marked, vk)
		}
		if !matched {
			changes = append(changes, Change{Key: k, Kind: ChangeInvalidated})
		}
	}
	marked = dedupeKeys(marked)
	sortKeys(marked)
	for _, vk := range marked {
		changes = append(changes, Change{Key: vk, Kind: ChangeInvalidated})
	}
	fns := s.listenersLocked(changes)
	s.mu.Unlock()

	dispatch(fns)
	return marked
}

// Refresh refetches key from the backend and replaces its contents. A later
// Refresh of the same key, or a transition touching it, supersedes this one and
// ErrRefreshSuperseded is returned.
func (s *Store) Refresh(ctx context.Context, key ViewKey) error {
	if s.fetcher == nil {
		return ErrNoFetcher
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	v := s.views[key]
	if v == nil {
		v = &view{}
		s.views[key] = v
	}
	if v.cancel != nil {
		v.cancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	v.fetchSeq++
	seq := v.fetchSeq
	v.cancel = cancel
	s.mu.Unlock()

	tasks, err := s.fetcher.FetchView(fctx, key)
	cancel()

	s.mu.Lock()
	if s.closed || s.views[key] != v || v.fetchSeq != seq {
		s.mu.Unlock()
		return ErrRefreshSuperseded
	}
	v.cancel = nil
	if err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).WithField("view", string(key)).Debug("view refresh failed")
		return err
	}
	v.tasks = s.overlayLocked(tasks)
	v.loaded = true
	v.stale = false
	v.version++
	fns := s.listenersLocked([]Change{{Key: key, Kind: ChangeRefreshed}})
	s.mu.Unlock()

	dispatch(fns)
	return nil
}

// RefreshStale refetches loaded, stale views matching keys (segment prefix).
func (s *Store) RefreshStale(ctx context.Context, keys ...ViewKey) error {
	s.mu.RLock()
	var todo []ViewKey
	for vk, v := range s.views {
		if !v.loaded || !v.stale {
			continue
		}
		for _, k := range keys {
			if vk.HasPrefix(k) {
				todo = append(todo, vk)
				break
			}
		}
	}
	s.mu.RUnlock()
	sortKeys(todo)

	var errs []error
	for _, k := range todo {
		if err := s.Refresh(ctx, k); err != nil && !errors.Is(err, ErrRefreshSuperseded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close cancels outstanding refreshes and forgets all views and subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, v := range s.views {
		if v.cancel != nil {
			v.cancel()
		}
	}
	s.views = make(map[ViewKey]*view)
	s.pinned = make(map[string]domain.Status)
	s.subs = make(map[uint64]subscriber)
}

type viewSnapshot struct {
	key   ViewKey
	tasks []domain.Task
}

type viewWrite struct {
	key   ViewKey
	tasks []domain.Task
}

// snapshotFor cancels in-flight refreshes of every view containing taskID and
// captures their contents, all under one lock.
func (s *Store) snapshotFor(taskID string) []viewSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snaps []viewSnapshot
	for k, v := range s.views {
		if !v.loaded || domain.IndexOf(v.tasks, taskID) < 0 {
			continue
		}
		if v.cancel != nil {
			v.cancel()
			v.cancel = nil
		}
		v.fetchSeq++
		snaps = append(snaps, viewSnapshot{key: k, tasks: cloneTasks(v.tasks)})
	}
	sortSnapshots(snaps)
	return snaps
}

// set unconditionally replaces one view.
func (s *Store) set(key ViewKey, tasks []domain.Task) uint64 {
	return s.setAll([]viewWrite{{key: key, tasks: tasks}}, "", "")[key]
}

// setAll replaces several views under a single lock so no reader observes a
// partial write. When taskID is set the task is pinned to status until unpin.
func (s *Store) setAll(writes []viewWrite, taskID string, status domain.Status) map[ViewKey]uint64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	versions := make(map[ViewKey]uint64, len(writes))
	changes := make([]Change, 0, len(writes))
	for _, w := range writes {
		v := s.views[w.key]
		if v == nil {
			v = &view{}
			s.views[w.key] = v
		}
		if v.cancel != nil {
			v.cancel()
			v.cancel = nil
		}
		v.fetchSeq++
		v.tasks = cloneTasks(w.tasks)
		v.loaded = true
		v.version++
		versions[w.key] = v.version
		changes = append(changes, Change{Key: w.key, Kind: ChangeSet})
	}
	if taskID != "" {
		s.pinned[taskID] = status
	}
	fns := s.listenersLocked(changes)
	s.mu.Unlock()

	dispatch(fns)
	return versions
}

// restore puts a view back to its snapshot. If something else replaced the view
// after the optimistic write, only the task's status is reverted.
func (s *Store) restore(snap viewSnapshot, appliedVersion uint64, taskID string) {
	s.mu.Lock()
	v := s.views[snap.key]
	if s.closed || v == nil {
		s.mu.Unlock()
		return
	}
	if v.version == appliedVersion {
		v.tasks = cloneTasks(snap.tasks)
	} else {
		prev := snap.tasks[domain.IndexOf(snap.tasks, taskID)].Status
		if i := domain.IndexOf(v.tasks, taskID); i >= 0 {
			next := cloneTasks(v.tasks)
			next[i] = next[i].WithStatus(prev)
			v.tasks = next
		}
	}
	v.version++
	fns := s.listenersLocked([]Change{{Key: snap.key, Kind: ChangeRolledBack}})
	s.mu.Unlock()

	dispatch(fns)
}

func (s *Store) unpin(taskID string) {
	s.mu.Lock()
	delete(s.pinned, taskID)
	s.mu.Unlock()
}

func (s *Store) overlayLocked(tasks []domain.Task) []domain.Task {
	out := cloneTasks(tasks)
	if len(s.pinned) == 0 {
		return out
	}
	for i := range out {
		if st, ok := s.pinned[out[i].ID]; ok {
			out[i].Status = st
		}
	}
	return out
}

func (s *Store) listenersLocked(changes []Change) []func() {
	if len(changes) == 0 || len(s.subs) == 0 {
		return nil
	}
	var fns []func()
	for _, sub := range s.subs {
		for _, ch := range changes {
			if !sub.all && !matches(sub.key, ch) {
				continue
			}
			fn, change := sub.fn, ch
			fns = append(fns, func() { fn(change) })
		}
	}
	return fns
}

func matches(subKey ViewKey, ch Change) bool {
	if subKey == ch.Key {
		return true
	}
	return ch.Kind == ChangeInvalidated && subKey.HasPrefix(ch.Key)
}

func dispatch(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func cloneTasks(src []domain.Task) []domain.Task {
	if src == nil {
		return nil
	}
	out := make([]domain.Task, len(src))
	copy(out, src)
	return out
}

func sortSnapshots(snaps []viewSnapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].key < snaps[j].key })
}
