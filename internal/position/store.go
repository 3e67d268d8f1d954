// Package position holds the live, in-memory position state shared by the
// price feed, the workers and the persistence sync.
package position

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

const shardCount = 32

// entry owns one position and its analysis snapshot. mu is the per-id lock.
type entry struct {
	mu      sync.Mutex
	pos     domain.Position
	snap    domain.AnalysisSnapshot
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a concurrent map from position id to Position and
// AnalysisSnapshot. Mutations on one id serialize on that id's lock; distinct
// ids never contend beyond a brief shard lookup.
//
// Lock order: index -> shard, entry -> index, entry -> dirty. No lock is held
// while a caller-supplied function performs I/O; mutators must be pure.
type Store struct {
	shards [shardCount]shard

	idxMu    sync.RWMutex
	bySymbol map[string]map[string]struct{}
	live     map[string]string // live key -> id

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	now func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	s := &Store{
		bySymbol: make(map[string]map[string]struct{}),
		live:     make(map[string]string),
		dirty:    make(map[string]struct{}),
		now:      time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

// WithClock replaces the clock used for UpdatedAt stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) lookup(id string) *entry {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e := sh.entries[id]
	sh.mu.RUnlock()
	return e
}

// Insert adds a new position. It returns domain.ErrAlreadyExists when the id
// is present or another live position holds the same (symbol, side, source)
// slot.
func (s *Store) Insert(p domain.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("position: insert: %w", err)
	}
	key := p.LiveKey()

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if p.State.Live() {
		if owner, ok := s.live[key]; ok {
			return fmt.Errorf("position: insert %s (slot held by %s): %w", p.ID, owner, domain.ErrAlreadyExists)
		}
	}

	sh := s.shardFor(p.ID)
	sh.mu.Lock()
	if _, ok := sh.entries[p.ID]; ok {
		sh.mu.Unlock()
		return fmt.Errorf("position: insert %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	sh.entries[p.ID] = &entry{
		pos:  p.Clone(),
		snap: domain.AnalysisSnapshot{Symbol: p.Symbol},
	}
	sh.mu.Unlock()

	subs, ok := s.bySymbol[p.Symbol]
	if !ok {
		subs = make(map[string]struct{})
		s.bySymbol[p.Symbol] = subs
	}
	subs[p.ID] = struct{}{}
	if p.State.Live() {
		s.live[key] = p.ID
	}
	return nil
}

// Get returns copies of the position and its snapshot.
func (s *Store) Get(id string) (domain.Position, domain.AnalysisSnapshot, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Position{}, domain.AnalysisSnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Position{}, domain.AnalysisSnapshot{}, false
	}
	return e.pos.Clone(), e.snap, true
}

// Upsert applies fn to a working copy of the position under the id's lock
// and commits it when fn returns nil. The committed record gets a new
// Version and UpdatedAt and is marked dirty for persistence. fn must not
// block.
func (s *Store) Upsert(id string, fn func(p *domain.Position) error) (domain.Position, error) {
	e := s.lookup(id)
	if e == nil {
		return domain.Position{}, fmt.Errorf("position: upsert %s: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Position{}, fmt.Errorf("position: upsert %s: %w", id, domain.ErrNotFound)
	}

	work := e.pos.Clone()
	if err := fn(&work); err != nil {
		return e.pos.Clone(), err
	}
	if work.ID != id {
		return e.pos.Clone(), fmt.Errorf("position: upsert %s: mutator changed id to %q", id, work.ID)
	}
	if err := work.Validate(); err != nil {
		return e.pos.Clone(), fmt.Errorf("position: upsert: %w", err)
	}

	wasLive := e.pos.State.Live()
	work.Version = e.pos.Version + 1
	work.UpdatedAt = s.now()
	e.pos = work

	if wasLive && !work.State.Live() {
		s.releaseSlot(work.LiveKey(), id)
	}
	s.MarkDirty(id)
	return work.Clone(), nil
}

// UpdateSnapshot mutates the analysis snapshot under the id's lock. Snapshot
// changes are ephemeral and do not mark the position dirty.
func (s *Store) UpdateSnapshot(id string, fn func(snap *domain.AnalysisSnapshot)) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(&e.snap)
	return true
}

// SetPrice records the latest mark price for id.
func (s *Store) SetPrice(id string, price float64, at time.Time) bool {
	return s.UpdateSnapshot(id, func(snap *domain.AnalysisSnapshot) {
		if at.Before(snap.PriceAt) {
			return
		}
		snap.MarkPrice = price
		snap.PriceAt = at
	})
}

// SetDecision records the last decision computed for id.
func (s *Store) SetDecision(id string, d domain.Decision) bool {
	return s.UpdateSnapshot(id, func(snap *domain.AnalysisSnapshot) {
		snap.LastDecision = d
	})
}

// Remove drops id from the live store. The durable row is unaffected.
func (s *Store) Remove(id string) (domain.Position, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	sh.mu.Unlock()
	if !ok {
		return domain.Position{}, false
	}

	e.mu.Lock()
	e.removed = true
	p := e.pos.Clone()
	e.mu.Unlock()

	s.idxMu.Lock()
	if subs, ok := s.bySymbol[p.Symbol]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.bySymbol, p.Symbol)
		}
	}
	if s.live[p.LiveKey()] == id {
		delete(s.live, p.LiveKey())
	}
	s.idxMu.Unlock()
	return p, true
}

func (s *Store) releaseSlot(key, id string) {
	s.idxMu.Lock()
	if s.live[key] == id {
		delete(s.live, key)
	}
	s.idxMu.Unlock()
}

// Snapshot returns the ids currently in the store.
func (s *Store) Snapshot() []string {
	var ids []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Positions returns copies of every position, ordered by id.
func (s *Store) Positions() []domain.Position {
	ids := s.Snapshot()
	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if p, _, ok := s.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of positions held.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Subscribers returns the ids of positions on symbol.
func (s *Store) Subscribers(symbol string) []string {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	subs := s.bySymbol[symbol]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Symbols returns every symbol with at least one position.
func (s *Store) Symbols() []string {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	out := make([]string, 0, len(s.bySymbol))
	for sym := range s.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// MarkDirty flags id for the next persistence flush.
func (s *Store) MarkDirty(id string) {
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	s.dirtyMu.Unlock()
}

// DrainDirty returns and clears the set of ids mutated since the last drain.
func (s *Store) DrainDirty() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	s.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// DirtyCount returns the number of ids awaiting a flush.
func (s *Store) DirtyCount() int {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return len(s.dirty)
}

// Guard wraps fn so it only applies while the record is still at version.
// Callers that did I/O against an earlier read use it to drop their
// mutation when another writer moved the position on.
func Guard(version int64, fn func(p *domain.Position) error) func(p *domain.Position) error {
	return func(p *domain.Position) error {
		if p.Version != version {
			return fmt.Errorf("position: %s at version %d, expected %d: %w", p.ID, p.Version, version, domain.ErrStaleVersion)
		}
		return fn(p)
	}
}
