package binding

import (
	"log/slog"
	"sync"

	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/threshold"
	"modernc.org/b"
)

// set is one ordered container. Bindings live in a slot arena so that a
// binding keeps its slot (and its mirrored rule) for its whole lifetime;
// the B-tree maps Key -> slot index.
type set struct {
	index *b.Tree
	slots []Binding
	free  []int
}

func newSet() *set {
	return &set{index: b.TreeNew(b.Cmp(compareKeys))}
}

func compareKeys(x, y interface{}) int {
	return Compare(x.(Key), y.(Key))
}

func (s *set) len() int { return s.index.Len() }

func (s *set) get(k Key) (Binding, bool) {
	v, ok := s.index.Get(k)
	if !ok {
		return Binding{}, false
	}
	return s.slots[v.(int)], true
}

func (s *set) insert(bd Binding) {
	var slot int
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[slot] = bd
	} else {
		slot = len(s.slots)
		s.slots = append(s.slots, bd)
	}
	s.index.Set(bd.Key, slot)
}

func (s *set) remove(k Key) (Binding, bool) {
	v, ok := s.index.Get(k)
	if !ok {
		return Binding{}, false
	}
	slot := v.(int)
	bd := s.slots[slot]
	s.slots[slot] = Binding{}
	s.free = append(s.free, slot)
	s.index.Delete(k)
	return bd, true
}

// next returns the first binding whose key is strictly greater than k.
func (s *set) next(k Key) (Binding, bool) {
	e, hit := s.index.Seek(k)
	defer e.Close()
	_, v, err := e.Next()
	if err != nil {
		return Binding{}, false
	}
	if hit {
		if _, v, err = e.Next(); err != nil {
			return Binding{}, false
		}
	}
	return s.slots[v.(int)], true
}

func (s *set) first() (Binding, bool) {
	e, err := s.index.SeekFirst()
	if err != nil {
		return Binding{}, false
	}
	defer e.Close()
	_, v, err := e.Next()
	if err != nil {
		return Binding{}, false
	}
	return s.slots[v.(int)], true
}

// walk visits bindings in key order until fn returns false.
func (s *set) walk(fn func(Binding) bool) {
	e, err := s.index.SeekFirst()
	if err != nil {
		return
	}
	defer e.Close()
	for {
		_, v, err := e.Next()
		if err != nil {
			return
		}
		if !fn(s.slots[v.(int)]) {
			return
		}
	}
}

func (s *set) clear() {
	s.index.Clear()
	s.slots = nil
	s.free = nil
}

// Store holds the static and dynamic binding sets. The sets share one
// capacity: Count() never exceeds Capacity(), and a key is never present
// in both sets.
type Store struct {
	mu       sync.RWMutex
	capacity int
	sets     [2]*set // indexed by Kind
	filter   dataplane.Filter
	notifier *threshold.Notifier

	// Only bindings on mirrorUnit reach the filter when mirrorLocal is set.
	mirrorLocal bool
	mirrorUnit  int
}

// NewStore creates an empty store. A capacity <= 0 selects
// DefaultCapacity. filter and notifier may be nil.
func NewStore(capacity int, filter dataplane.Filter, notifier *threshold.Notifier) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		sets:     [2]*set{newSet(), newSet()},
		filter:   filter,
		notifier: notifier,
	}
}

// MirrorUnit restricts the filter mirror to bindings on unit. The filter
// only sees local port numbers; a binding on another unit's port of the
// same number must not open it. Call before the first Add.
func (s *Store) MirrorUnit(unit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrorLocal = true
	s.mirrorUnit = unit
}

// Capacity returns the maximum number of bindings across both sets.
func (s *Store) Capacity() int { return s.capacity }

// Count returns the number of bindings in both sets.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked()
}

// CountKind returns the number of bindings of one kind.
func (s *Store) CountKind(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[kind].len()
}

func (s *Store) countLocked() int {
	return s.sets[Static].len() + s.sets[Dynamic].len()
}

// Add inserts bd into the set of the given kind and mirrors it into the
// packet filter. A filter failure is logged; the binding is still added.
func (s *Store) Add(kind Kind, bd Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(kind, bd)
}

func (s *Store) addLocked(kind Kind, bd Binding) error {
	if _, ok := s.sets[Static].get(bd.Key); ok {
		return ErrAlreadyExists
	}
	if _, ok := s.sets[Dynamic].get(bd.Key); ok {
		return ErrAlreadyExists
	}
	if s.countLocked() >= s.capacity {
		slog.Warn("binding: table is full", "kind", kind, "key", bd.Key.String())
		if s.notifier != nil {
			s.notifier.Set()
		}
		return ErrTableFull
	}

	bd.Kind = kind
	bd.Valid = true
	bd.RuleID = s.mirrorAdd(bd)
	s.sets[kind].insert(bd)
	return nil
}

// Remove deletes the binding with key k from the given set.
func (s *Store) Remove(kind Kind, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bd, ok := s.sets[kind].remove(k)
	if !ok {
		return ErrNotFound
	}
	s.mirrorRemove(bd)
	s.afterDeleteLocked()
	return nil
}

// Get returns the binding with key k.
func (s *Store) Get(kind Kind, k Key) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.sets[kind].get(k)
	if !ok {
		return Binding{}, ErrNotFound
	}
	return bd, nil
}

// First returns the lowest-ordered binding of a kind.
func (s *Store) First(kind Kind) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.sets[kind].first()
	if !ok {
		return Binding{}, ErrNotFound
	}
	return bd, nil
}

// Next returns the first binding ordered strictly after k. k itself does
// not have to be present.
func (s *Store) Next(kind Kind, k Key) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.sets[kind].next(k)
	if !ok {
		return Binding{}, ErrNotFound
	}
	return bd, nil
}

// Lookup searches the dynamic set, then the static set.
func (s *Store) Lookup(k Key) (Kind, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sets[Dynamic].get(k); ok {
		return Dynamic, true
	}
	if _, ok := s.sets[Static].get(k); ok {
		return Static, true
	}
	return 0, false
}

// Promote moves a dynamic binding into the static set, keeping its
// mirrored filter rule. The static insert happens before the dynamic
// removal; if the insert is refused the dynamic entry is left as it was.
func (s *Store) Promote(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteLocked(k)
}

func (s *Store) promoteLocked(k Key) error {
	dyn, ok := s.sets[Dynamic].get(k)
	if !ok {
		return ErrNotFound
	}
	// The move is count-neutral: only the entries other than dyn count.
	if s.countLocked()-1 >= s.capacity {
		if s.notifier != nil {
			s.notifier.Set()
		}
		return ErrTableFull
	}
	dyn.Kind = Static
	s.sets[Static].insert(dyn)
	s.sets[Dynamic].remove(k)
	return nil
}

// PromoteAll promotes every dynamic binding and returns how many moved.
// It stops at the first failure.
func (s *Store) PromoteAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []Key
	s.sets[Dynamic].walk(func(bd Binding) bool {
		keys = append(keys, bd.Key)
		return true
	})
	n := 0
	for _, k := range keys {
		if err := s.promoteLocked(k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Clear removes every binding of a kind and returns how many were removed.
func (s *Store) Clear(kind Kind) int {
	return s.removeWhere(kind, func(Binding) bool { return true })
}

// ClearPort removes the bindings of a kind on one (switch, port).
func (s *Store) ClearPort(kind Kind, switchID, port int) int {
	return s.removeWhere(kind, func(bd Binding) bool {
		return bd.SwitchID == switchID && bd.Port == port
	})
}

// ClearSwitch removes the bindings of a kind on one switch.
func (s *Store) ClearSwitch(kind Kind, switchID int) int {
	return s.removeWhere(kind, func(bd Binding) bool {
		return bd.SwitchID == switchID
	})
}

func (s *Store) removeWhere(kind Kind, match func(Binding) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.sets[kind]
	var doomed []Binding
	st.walk(func(bd Binding) bool {
		if match(bd) {
			doomed = append(doomed, bd)
		}
		return true
	})
	if len(doomed) == st.len() {
		st.clear()
	} else {
		for _, bd := range doomed {
			st.remove(bd.Key)
		}
	}
	for _, bd := range doomed {
		s.mirrorRemove(bd)
	}
	if len(doomed) > 0 {
		s.afterDeleteLocked()
	}
	return len(doomed)
}

// Snapshot returns an ordered copy of one set.
func (s *Store) Snapshot(kind Kind) []Binding {
	out := make([]Binding, 0, s.CountKind(kind))
	s.Walk(kind, func(bd Binding) bool {
		out = append(out, bd)
		return true
	})
	return out
}

// Walk visits one set in key order. fn runs with the store read-locked
// and must not call back into the store.
func (s *Store) Walk(kind Kind, fn func(Binding) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.sets[kind].walk(fn)
}

// Crossed reports whether the table-full notification is raised.
func (s *Store) Crossed() bool {
	return s.notifier != nil && s.notifier.Crossed()
}

func (s *Store) afterDeleteLocked() {
	if s.notifier != nil && s.countLocked() < s.capacity {
		s.notifier.Clear()
	}
}

func (s *Store) mirrorAdd(bd Binding) dataplane.RuleID {
	if s.filter == nil {
		return 0
	}
	if s.mirrorLocal && bd.SwitchID != s.mirrorUnit {
		return 0
	}
	id, err := s.filter.AddAllowRule(bd.Rule())
	if err != nil {
		slog.Warn("binding: filter allow rule add failed",
			"key", bd.Key.String(), "err", err)
		return 0
	}
	return id
}

func (s *Store) mirrorRemove(bd Binding) {
	if s.filter == nil || bd.RuleID == 0 {
		return
	}
	if err := s.filter.RemoveAllowRule(bd.RuleID); err != nil {
		slog.Warn("binding: filter allow rule delete failed",
			"key", bd.Key.String(), "rule", bd.RuleID, "err", err)
	}
}
