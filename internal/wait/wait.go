// Package wait implements the Wait Registry: the wait primitives workers
// use to suspend for matching blackboard entries, parking waiter sinks
// keyed by (kind, type) and by (parentKind, parentID, kind, type), woken
// by the scheduler draining PostEvents.
package wait

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/d20err"
)

// Match is what a waiter receives: enough to resolve the underlying
// entry via the blackboard without re-copying its full payload here.
type Match struct {
	Kind blackboard.Kind
	Type string
	ID   int
}

type typeKey struct {
	kind blackboard.Kind
	typ  string
}

type parentKey struct {
	parentKind blackboard.Kind
	parentID   int
	kind       blackboard.Kind
	typ        string
}

// waiter is a single parked subscription. Delivery is dedup'd by id per
// type so the unavoidable race between "read backlog" and "register for
// live events" never double-delivers or drops an entry, without requiring
// the Wait Registry to share a lock with the Store's tables.
//
// Incoming matches land in an unbounded queue guarded by mu; a forwarder
// goroutine drains the queue into the caller-visible sink. This keeps
// deliver() (called from Notify, which must never block on a slow
// consumer) non-blocking regardless of backlog size or consumer speed.
type waiter struct {
	mu         sync.Mutex
	cond       *sync.Cond
	seen       map[typeKey]map[int]struct{}
	queue      []Match
	sink       chan Match
	closed     bool
	typeKeys   []typeKey
	parentKeys []parentKey
}

func newWaiter() *waiter {
	w := &waiter{
		seen: make(map[typeKey]map[int]struct{}),
		sink: make(chan Match),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// deliver enqueues m if it has not already been seen for its type.
func (w *waiter) deliver(m Match) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	tk := typeKey{m.Kind, m.Type}
	set, ok := w.seen[tk]
	if !ok {
		set = make(map[int]struct{})
		w.seen[tk] = set
	}
	if _, dup := set[m.ID]; dup {
		return
	}
	set[m.ID] = struct{}{}
	w.queue = append(w.queue, m)
	w.cond.Signal()
}

func (w *waiter) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
}

// forward drains the queue into sink until closed, then closes sink.
// Runs on its own goroutine for the lifetime of the waiter.
func (w *waiter) forward() {
	defer close(w.sink)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		m := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.sink <- m
	}
}

// pending reports whether a match is already queued for immediate
// delivery, used by WaitTillEntry's timeout=0 fast path.
func (w *waiter) pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0
}

// Store is the read surface the Wait Registry needs from the blackboard.
type Store interface {
	List(kind blackboard.Kind, typ string) any
	GetObject(id int) (*blackboard.Object, error)
	GetFact(id int) (*blackboard.Entry, error)
	GetHyp(id int) (*blackboard.Entry, error)
}

// Registry is the thread-safe Wait Registry.
type Registry struct {
	store Store

	mu       sync.Mutex
	byType   map[typeKey][]*waiter
	byParent map[parentKey][]*waiter
}

// New constructs a Wait Registry bound to a Store for backlog reads.
func New(store Store) *Registry {
	return &Registry{
		store:    store,
		byType:   make(map[typeKey][]*waiter),
		byParent: make(map[parentKey][]*waiter),
	}
}

// Notify drains all waiters matching ev, in ascending event-id order as
// guaranteed by the caller (the scheduler drains PostEvents in the order
// the store published them, which is ascending per table).
func (r *Registry) Notify(ev blackboard.PostEvent) {
	m := Match{Kind: ev.Kind, Type: ev.Type, ID: ev.ID}

	r.mu.Lock()
	typeWaiters := append([]*waiter(nil), r.byType[typeKey{ev.Kind, ev.Type}]...)
	// Child waiters filed under type "" accept children of any type.
	typs := []string{ev.Type}
	if ev.Type != "" {
		typs = append(typs, "")
	}
	var parentWaiters []*waiter
	for _, typ := range typs {
		for _, pid := range ev.Parents.Objects {
			parentWaiters = append(parentWaiters, r.byParent[parentKey{blackboard.KindObject, pid, ev.Kind, typ}]...)
		}
		for _, pid := range ev.Parents.Facts {
			parentWaiters = append(parentWaiters, r.byParent[parentKey{blackboard.KindFact, pid, ev.Kind, typ}]...)
		}
		for _, pid := range ev.Parents.Hyps {
			parentWaiters = append(parentWaiters, r.byParent[parentKey{blackboard.KindHyp, pid, ev.Kind, typ}]...)
		}
	}
	r.mu.Unlock()

	for _, w := range typeWaiters {
		w.deliver(m)
	}
	for _, w := range parentWaiters {
		w.deliver(m)
	}
}

// WaitOnEntries implements wait_on_entries: emits the historical backlog
// (id > sinceID when provided) then blocks for future matching entries
// until ctx is cancelled. types lists fact/hyp type names, matched
// literally: group names are not expanded here, and the console passes
// its caller's names through unchanged.
func (r *Registry) WaitOnEntries(ctx context.Context, kind blackboard.Kind, types []string, sinceID *int) (<-chan Match, error) {
	w := r.subscribeByType(kind, types, sinceID)
	go w.forward()
	go closeOnDone(ctx, r, w)
	return w.sink, nil
}

// WaitOnChildEntries implements wait_on_child_entries: filtered to
// children of a specific parent. An unknown parent id fails fast with
// NotFound rather than blocking best-effort.
func (r *Registry) WaitOnChildEntries(ctx context.Context, kind, parentKind blackboard.Kind, parentID int, types []string) (<-chan Match, error) {
	w, err := r.subscribeByParent(kind, parentKind, parentID, types)
	if err != nil {
		return nil, err
	}
	go w.forward()
	go closeOnDone(ctx, r, w)
	return w.sink, nil
}

// WaitTillEntry implements wait_till_entry: blocks for a single next
// matching entry, failing with Timeout if the deadline elapses first.
// timeout=0 fires Timeout immediately iff no matching entry currently
// exists — checked via the waiter's queue directly, since the backlog
// is delivered synchronously into that queue before this function
// observes it.
func (r *Registry) WaitTillEntry(ctx context.Context, kind blackboard.Kind, typ string, timeout time.Duration, lastID *int) (Match, error) {
	w := r.subscribeByType(kind, []string{typ}, lastID)
	defer func() {
		w.close()
		r.unregister(w)
	}()
	hasBacklog := w.pending()
	go w.forward()

	if timeout <= 0 {
		if !hasBacklog {
			return Match{}, d20err.New(d20err.KindTimeout, "wait.WaitTillEntry", "")
		}
		return <-w.sink, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-w.sink:
		if !ok {
			return Match{}, d20err.Cancelled
		}
		return m, nil
	case <-timer.C:
		return Match{}, d20err.New(d20err.KindTimeout, "wait.WaitTillEntry", "")
	case <-ctx.Done():
		return Match{}, d20err.Cancelled
	}
}

// subscribeByType registers a waiter and delivers its backlog while
// holding the registry lock, so no concurrent Notify can queue a live
// entry for it ahead of the backlog.
func (r *Registry) subscribeByType(kind blackboard.Kind, types []string, sinceID *int) *waiter {
	w := newWaiter()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		k := typeKey{kind, t}
		r.byType[k] = append(r.byType[k], w)
		w.typeKeys = append(w.typeKeys, k)
	}

	for _, m := range r.backlogFor(kind, types, sinceID) {
		w.deliver(m)
	}
	return w
}

func (r *Registry) subscribeByParent(kind, parentKind blackboard.Kind, parentID int, types []string) (*waiter, error) {
	if err := r.checkParentExists(parentKind, parentID); err != nil {
		return nil, err
	}
	if len(types) == 0 {
		types = []string{""} // "" matches any type for the parent-keyed filter
	}

	w := newWaiter()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		k := parentKey{parentKind, parentID, kind, t}
		r.byParent[k] = append(r.byParent[k], w)
		w.parentKeys = append(w.parentKeys, k)
	}

	for _, m := range r.childBacklogFor(kind, parentKind, parentID, types) {
		w.deliver(m)
	}
	return w, nil
}

// closeOnDone releases w's parking slot once ctx is cancelled.
func closeOnDone(ctx context.Context, r *Registry, w *waiter) {
	<-ctx.Done()
	w.close()
	r.unregister(w)
}

func (r *Registry) checkParentExists(parentKind blackboard.Kind, parentID int) error {
	var err error
	switch parentKind {
	case blackboard.KindObject:
		_, err = r.store.GetObject(parentID)
	case blackboard.KindFact:
		_, err = r.store.GetFact(parentID)
	case blackboard.KindHyp:
		_, err = r.store.GetHyp(parentID)
	}
	return err
}

func (r *Registry) backlogFor(kind blackboard.Kind, types []string, sinceID *int) []Match {
	var out []Match
	for _, t := range types {
		for _, e := range entriesOfType(r.store, kind, t) {
			if sinceID != nil && e.id <= *sinceID {
				continue
			}
			out = append(out, Match{Kind: kind, Type: t, ID: e.id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) childBacklogFor(kind, parentKind blackboard.Kind, parentID int, types []string) []Match {
	var out []Match
	for _, t := range types {
		for _, e := range entriesOfType(r.store, kind, t) {
			if !hasParent(e, parentKind, parentID) {
				continue
			}
			out = append(out, Match{Kind: kind, Type: e.typ, ID: e.id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// unregister removes w from every map it was filed under, so a cancelled
// or completed waiter's parking slot is released without leaking.
func (r *Registry) unregister(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range w.typeKeys {
		r.byType[k] = removeWaiter(r.byType[k], w)
	}
	for _, k := range w.parentKeys {
		r.byParent[k] = removeWaiter(r.byParent[k], w)
	}
}

func removeWaiter(list []*waiter, target *waiter) []*waiter {
	out := list[:0]
	for _, w := range list {
		if w != target {
			out = append(out, w)
		}
	}
	return out
}

type genericEntry struct {
	id   int
	typ  string
	pObj []int
	pFct []int
	pHyp []int
}

func entriesOfType(store Store, kind blackboard.Kind, typ string) []genericEntry {
	var out []genericEntry
	switch kind {
	case blackboard.KindFact, blackboard.KindHyp:
		entries := store.List(kind, typ).([]*blackboard.Entry)
		for _, e := range entries {
			out = append(out, genericEntry{id: e.ID, typ: e.Type, pObj: e.ParentObjects, pFct: e.ParentFacts, pHyp: e.ParentHyps})
		}
	}
	return out
}

func hasParent(e genericEntry, parentKind blackboard.Kind, parentID int) bool {
	var ids []int
	switch parentKind {
	case blackboard.KindObject:
		ids = e.pObj
	case blackboard.KindFact:
		ids = e.pFct
	case blackboard.KindHyp:
		ids = e.pHyp
	}
	for _, id := range ids {
		if id == parentID {
			return true
		}
	}
	return false
}
