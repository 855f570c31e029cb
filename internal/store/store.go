// Package store holds the client-side cache of entity collections. It is pure
// in-memory state plus change notification: no network, no session knowledge.
// Every write bumps a per-entity version stamp so callers with an in-flight
// fetch can detect that the world moved underneath them and discard the stale
// completion instead of applying it.
package store

import (
	"sort"
	"sync"

	"github.com/beaconcrm/beacon-core/internal/entity"
)

type ChangeKind string

const (
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemove  ChangeKind = "remove"
	ChangeReplace ChangeKind = "replace"
	ChangeApply   ChangeKind = "apply"
	ChangeReset   ChangeKind = "reset"
)

// Change describes one logical mutation. Batched operations (a full
// collection replace) produce exactly one Change, never one per item.
type Change struct {
	Collection entity.Collection
	Kind       ChangeKind
	IDs        []string
}

type Listener func(Change)

// Stamp identifies a point in an entity's write history. Generation changes
// when the whole store is reset (logout), Version on every write to the
// entity. A stamp taken before a fetch no longer matches after any
// intervening write, which is exactly the staleness signal callers need.
type Stamp struct {
	Generation uint64
	Version    uint64
}

type subscription struct {
	listener Listener
	filter   map[entity.Collection]struct{}
}

type Store struct {
	mu          sync.Mutex
	generation  uint64
	collections map[entity.Collection]map[string]entity.Record
	versions    map[entity.Collection]map[string]uint64
	nextSubID   int
	subs        map[int]subscription
}

func New() *Store {
	return &Store{
		collections: map[entity.Collection]map[string]entity.Record{},
		versions:    map[entity.Collection]map[string]uint64{},
		subs:        map[int]subscription{},
	}
}

// Subscribe registers a listener and returns its unsubscribe func. With no
// collections given the listener sees every change; otherwise only changes to
// the named collections (and store resets).
func (s *Store) Subscribe(listener Listener, collections ...entity.Collection) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	sub := subscription{listener: listener}
	if len(collections) > 0 {
		sub.filter = map[entity.Collection]struct{}{}
		for _, c := range collections {
			sub.filter[c] = struct{}{}
		}
	}
	s.subs[id] = sub
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Collection returns the entities in a collection, sorted by id.
func (s *Store) Collection(name entity.Collection) []entity.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.collections[name]
	out := make([]entity.Record, 0, len(items))
	for _, rec := range items {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

func (s *Store) Lookup(name entity.Collection, id string) (entity.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collections[name][id]
	return rec, ok
}

// Stamp returns the current write stamp for an entity id. The version is zero
// for an id the store has never written.
func (s *Store) Stamp(name entity.Collection, id string) Stamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stamp{Generation: s.generation, Version: s.versions[name][id]}
}

// Upsert inserts or overwrites one entity wholesale and returns the stamp of
// the write. Callers supply the complete resulting entity; the store never
// merges fields.
func (s *Store) Upsert(name entity.Collection, rec entity.Record) Stamp {
	s.mu.Lock()
	stamp := s.upsertLocked(name, rec)
	listeners := s.listenersLocked(name)
	s.mu.Unlock()
	notify(listeners, Change{Collection: name, Kind: ChangeUpsert, IDs: []string{rec.EntityID()}})
	return stamp
}

// UpsertIfCurrent applies the write only if the entity's stamp still equals
// since. It reports false when the entity was written (or the store reset)
// after the stamp was taken, in which case the write is discarded.
func (s *Store) UpsertIfCurrent(name entity.Collection, rec entity.Record, since Stamp) (Stamp, bool) {
	s.mu.Lock()
	current := Stamp{Generation: s.generation, Version: s.versions[name][rec.EntityID()]}
	if current != since {
		s.mu.Unlock()
		return current, false
	}
	stamp := s.upsertLocked(name, rec)
	listeners := s.listenersLocked(name)
	s.mu.Unlock()
	notify(listeners, Change{Collection: name, Kind: ChangeUpsert, IDs: []string{rec.EntityID()}})
	return stamp, true
}

// Remove deletes one entity by id. The id's version still advances so a stale
// in-flight fetch cannot resurrect the entity.
func (s *Store) Remove(name entity.Collection, id string) bool {
	s.mu.Lock()
	items := s.collections[name]
	if _, ok := items[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(items, id)
	s.bumpLocked(name, id)
	listeners := s.listenersLocked(name)
	s.mu.Unlock()
	notify(listeners, Change{Collection: name, Kind: ChangeRemove, IDs: []string{id}})
	return true
}

// RemoveIfCurrent deletes the entity only if its stamp still equals since.
func (s *Store) RemoveIfCurrent(name entity.Collection, id string, since Stamp) bool {
	s.mu.Lock()
	current := Stamp{Generation: s.generation, Version: s.versions[name][id]}
	if current != since {
		s.mu.Unlock()
		return false
	}
	if items := s.collections[name]; items != nil {
		delete(items, id)
	}
	s.bumpLocked(name, id)
	listeners := s.listenersLocked(name)
	s.mu.Unlock()
	notify(listeners, Change{Collection: name, Kind: ChangeRemove, IDs: []string{id}})
	return true
}

// ReplaceCollection swaps in the full new membership of a collection. Stale
// ids absent from the new set are dropped, and every id touched in either
// direction advances its version. One Change is emitted for the whole swap.
func (s *Store) ReplaceCollection(name entity.Collection, records []entity.Record) {
	s.mu.Lock()
	listeners, change := s.replaceLocked(name, records)
	s.mu.Unlock()
	notify(listeners, change)
}

// ReplaceCollectionIfCurrent is ReplaceCollection guarded by the store
// generation: the swap is discarded when the store was reset after
// sinceGeneration was taken, so a full refresh that completes after logout
// cannot repopulate a cleared store.
func (s *Store) ReplaceCollectionIfCurrent(name entity.Collection, records []entity.Record, sinceGeneration uint64) bool {
	s.mu.Lock()
	if s.generation != sinceGeneration {
		s.mu.Unlock()
		return false
	}
	listeners, change := s.replaceLocked(name, records)
	s.mu.Unlock()
	notify(listeners, change)
	return true
}

// replaceLocked expects s.mu held and keeps it held; the caller unlocks and
// delivers the returned change.
func (s *Store) replaceLocked(name entity.Collection, records []entity.Record) ([]Listener, Change) {
	prior := s.collections[name]
	next := make(map[string]entity.Record, len(records))
	touched := make(map[string]struct{}, len(records)+len(prior))
	for _, rec := range records {
		next[rec.EntityID()] = rec
		touched[rec.EntityID()] = struct{}{}
	}
	for id := range prior {
		touched[id] = struct{}{}
	}
	s.collections[name] = next
	ids := make([]string, 0, len(touched))
	for id := range touched {
		s.bumpLocked(name, id)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.listenersLocked(name), Change{Collection: name, Kind: ChangeReplace, IDs: ids}
}

// Generation returns the current store generation. It changes only on Reset.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Apply performs a mixed batch of upserts and removals on one collection as a
// single logical mutation with a single notification. The batch is discarded
// when the store generation moved past sinceGeneration (a logout happened
// while the data was being fetched).
func (s *Store) Apply(name entity.Collection, upserts []entity.Record, removeIDs []string, sinceGeneration uint64) bool {
	s.mu.Lock()
	if s.generation != sinceGeneration {
		s.mu.Unlock()
		return false
	}
	ids := make([]string, 0, len(upserts)+len(removeIDs))
	for _, rec := range upserts {
		s.upsertLocked(name, rec)
		ids = append(ids, rec.EntityID())
	}
	items := s.collections[name]
	for _, id := range removeIDs {
		if items != nil {
			delete(items, id)
		}
		s.bumpLocked(name, id)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	listeners := s.listenersLocked(name)
	s.mu.Unlock()
	notify(listeners, Change{Collection: name, Kind: ChangeApply, IDs: ids})
	return true
}

// Reset clears every collection and advances the store generation, so any
// stamp taken before the reset can never match again. Called on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.generation++
	s.collections = map[entity.Collection]map[string]entity.Record{}
	s.versions = map[entity.Collection]map[string]uint64{}
	listeners := s.listenersLocked("")
	s.mu.Unlock()
	notify(listeners, Change{Kind: ChangeReset})
}

func (s *Store) upsertLocked(name entity.Collection, rec entity.Record) Stamp {
	items := s.collections[name]
	if items == nil {
		items = map[string]entity.Record{}
		s.collections[name] = items
	}
	items[rec.EntityID()] = rec
	return Stamp{Generation: s.generation, Version: s.bumpLocked(name, rec.EntityID())}
}

func (s *Store) bumpLocked(name entity.Collection, id string) uint64 {
	versions := s.versions[name]
	if versions == nil {
		versions = map[string]uint64{}
		s.versions[name] = versions
	}
	versions[id]++
	return versions[id]
}

// listenersLocked snapshots the listeners interested in name. An empty name
// matches every subscription (used for resets).
func (s *Store) listenersLocked(name entity.Collection) []Listener {
	out := make([]Listener, 0, len(s.subs))
	for _, sub := range s.subs {
		if name != "" && sub.filter != nil {
			if _, ok := sub.filter[name]; !ok {
				continue
			}
		}
		out = append(out, sub.listener)
	}
	return out
}

func notify(listeners []Listener, change Change) {
	for _, listener := range listeners {
		listener(change)
	}
}
