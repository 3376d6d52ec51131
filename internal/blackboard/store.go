package blackboard

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/MITRECND/d20/internal/d20err"
	"github.com/MITRECND/d20/internal/registry"
)

// Store is the thread-safe blackboard: objects, facts, hyps tables plus
// their relationship graph. Mutations publish a PostEvent on Events()
// after commit.
//
// Lock ordering is fixed at objectsMu < factsMu < hypsMu < graphMu to
// avoid deadlock when a mutation on one table updates relations on
// entries living in another table.
type Store struct {
	reg *registry.Registry

	objectsMu sync.RWMutex
	objects   []*Object
	digestIdx map[[32]byte]int

	factsMu sync.RWMutex
	facts   []*Entry

	hypsMu sync.RWMutex
	hyps   []*Entry

	graphMu sync.Mutex

	events chan PostEvent
}

// New constructs an empty Store bound to a fact-type Registry.
func New(reg *registry.Registry) *Store {
	return &Store{
		reg:       reg,
		digestIdx: make(map[[32]byte]int),
		events:    make(chan PostEvent, 4096),
	}
}

// Events returns the buffered channel (capacity 4096) of post-commit
// events the scheduler consumes. The channel is bounded: a mutation
// blocks in publish while the buffer is full.
func (s *Store) Events() <-chan PostEvent { return s.events }

func (s *Store) publish(ev PostEvent) {
	s.events <- ev
}

// AddObject inserts bytes, deduping on content digest. Returns the
// (possibly pre-existing) id and whether this call created a new object.
func (s *Store) AddObject(data []byte, creator string, parents Parents) (int, bool, error) {
	digest := sha256.Sum256(data)

	s.objectsMu.Lock()
	if existingID, ok := s.digestIdx[digest]; ok {
		existing := s.objects[existingID]
		s.objectsMu.Unlock()

		if err := s.mergeParents(existing.ID, creator, parents); err != nil {
			return 0, false, err
		}
		s.publish(PostEvent{Kind: KindObject, Type: "", ID: existing.ID, Parents: parents, Deduped: true})
		return existing.ID, false, nil
	}

	id := len(s.objects)
	now := time.Now()
	obj := &Object{
		ID:         id,
		Bytes:      append([]byte(nil), data...),
		Creator:    creator,
		CreatedAt:  now,
		Provenance: []ProvenanceRecord{{Creator: creator, CreatedAt: now, Parents: parents}},
	}
	s.objects = append(s.objects, obj)
	s.digestIdx[digest] = id
	s.objectsMu.Unlock()

	if err := s.linkParents(KindObject, id, parents); err != nil {
		return 0, false, err
	}
	s.publish(PostEvent{Kind: KindObject, ID: id, Parents: parents, Deduped: false})
	return id, true, nil
}

// AddFact commits a new Entry built from desc to the fact table. Every
// call creates a new entry, even for a descriptor that was added before.
func (s *Store) AddFact(desc NewEntryDescriptor) (int, error) {
	id, groups, err := s.addEntry(&s.factsMu, &s.facts, KindFact, desc, false)
	if err != nil {
		return 0, err
	}
	s.publish(PostEvent{Kind: KindFact, Type: desc.Type, ID: id, Groups: groups, Parents: desc.Parents})
	return id, nil
}

// AddHyp commits a new Entry built from desc to the hyp table. Every
// call creates a new entry, even for a descriptor that was added before.
func (s *Store) AddHyp(desc NewEntryDescriptor) (int, error) {
	id, groups, err := s.addEntry(&s.hypsMu, &s.hyps, KindHyp, desc, true)
	if err != nil {
		return 0, err
	}
	s.publish(PostEvent{Kind: KindHyp, Type: desc.Type, ID: id, Groups: groups, Parents: desc.Parents})
	return id, nil
}

func (s *Store) addEntry(mu *sync.RWMutex, table *[]*Entry, kind Kind, desc NewEntryDescriptor, tainted bool) (int, []string, error) {
	if err := s.validateParentsExist(desc.Parents); err != nil {
		return 0, nil, err
	}

	typeDesc, ok := s.reg.Lookup(desc.Type)
	if !ok {
		return 0, nil, d20err.New(d20err.KindNotFound, "blackboard.addEntry", "unregistered fact type "+desc.Type)
	}
	if err := typeDesc.Validate(desc.Fields); err != nil {
		return 0, nil, err
	}

	mu.Lock()
	id := len(*table)
	e := &Entry{
		ID:               id,
		Type:             desc.Type,
		GroupMemberships: append([]string(nil), typeDesc.Groups...),
		Creator:          desc.Creator,
		CreatedAt:        time.Now(),
		Tainted:          tainted,
		Fields:           desc.Fields,
		ParentObjects:    append([]int(nil), desc.Parents.Objects...),
		ParentFacts:      append([]int(nil), desc.Parents.Facts...),
		ParentHyps:       append([]int(nil), desc.Parents.Hyps...),
		added:            true,
	}
	*table = append(*table, e)
	mu.Unlock()

	if err := s.linkParents(kind, id, desc.Parents); err != nil {
		return 0, nil, err
	}
	return id, e.GroupMemberships, nil
}

// validateParentsExist checks referenced parent ids exist without taking
// the graph lock (a cheap read-lock check per table); linkParents takes
// the graph lock for the actual bidirectional edge update.
func (s *Store) validateParentsExist(p Parents) error {
	s.objectsMu.RLock()
	for _, id := range p.Objects {
		if id < 0 || id >= len(s.objects) {
			s.objectsMu.RUnlock()
			return d20err.New(d20err.KindNotFound, "blackboard", "unknown parent object id")
		}
	}
	s.objectsMu.RUnlock()

	s.factsMu.RLock()
	for _, id := range p.Facts {
		if id < 0 || id >= len(s.facts) {
			s.factsMu.RUnlock()
			return d20err.New(d20err.KindNotFound, "blackboard", "unknown parent fact id")
		}
	}
	s.factsMu.RUnlock()

	s.hypsMu.RLock()
	for _, id := range p.Hyps {
		if id < 0 || id >= len(s.hyps) || s.hyps[id] == nil {
			s.hypsMu.RUnlock()
			return d20err.New(d20err.KindNotFound, "blackboard", "unknown parent hyp id")
		}
	}
	s.hypsMu.RUnlock()
	return nil
}

// linkParents records the reverse (child) edge on each referenced parent,
// under the graph lock, honoring the fixed object<fact<hyp<graph order by
// acquiring only the graph lock here (table slots were already reserved
// under their own table lock in the caller).
func (s *Store) linkParents(childKind Kind, childID int, p Parents) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	for _, pid := range p.Objects {
		if pid < 0 || pid >= len(s.objects) {
			return d20err.New(d20err.KindNotFound, "blackboard.linkParents", "unknown parent object id")
		}
		addChild(&s.objects[pid].ChildObjects, &s.objects[pid].ChildFacts, &s.objects[pid].ChildHyps, childKind, childID)
	}
	for _, pid := range p.Facts {
		if pid < 0 || pid >= len(s.facts) {
			return d20err.New(d20err.KindNotFound, "blackboard.linkParents", "unknown parent fact id")
		}
		addChildEntry(s.facts[pid], childKind, childID)
	}
	for _, pid := range p.Hyps {
		if pid < 0 || pid >= len(s.hyps) {
			return d20err.New(d20err.KindNotFound, "blackboard.linkParents", "unknown parent hyp id")
		}
		addChildEntry(s.hyps[pid], childKind, childID)
	}
	return nil
}

// mergeParents is linkParents for the dedup-hit path: the object already
// exists, so only the reverse edges change, plus the object's own
// forward parent lists gain the newly requested parents. The dedup
// creator is never dropped: it's appended as its own ProvenanceRecord
// rather than overwriting the first writer's Creator field.
func (s *Store) mergeParents(objID int, creator string, p Parents) error {
	if err := s.validateParentsExist(p); err != nil {
		return err
	}
	s.objectsMu.Lock()
	obj := s.objects[objID]
	obj.ParentObjects = append(obj.ParentObjects, p.Objects...)
	obj.ParentFacts = append(obj.ParentFacts, p.Facts...)
	obj.ParentHyps = append(obj.ParentHyps, p.Hyps...)
	obj.Provenance = append(obj.Provenance, ProvenanceRecord{Creator: creator, CreatedAt: time.Now(), Parents: p})
	s.objectsMu.Unlock()

	return s.linkParents(KindObject, objID, p)
}

func addChild(childObjects, childFacts, childHyps *[]int, kind Kind, id int) {
	switch kind {
	case KindObject:
		*childObjects = append(*childObjects, id)
	case KindFact:
		*childFacts = append(*childFacts, id)
	case KindHyp:
		*childHyps = append(*childHyps, id)
	}
}

func addChildEntry(e *Entry, kind Kind, id int) {
	addChild(&e.ChildObjects, &e.ChildFacts, &e.ChildHyps, kind, id)
}

// GetObject returns a copy of the object with the given id.
func (s *Store) GetObject(id int) (*Object, error) {
	s.objectsMu.RLock()
	defer s.objectsMu.RUnlock()
	if id < 0 || id >= len(s.objects) {
		return nil, d20err.New(d20err.KindNotFound, "blackboard.GetObject", "")
	}
	cp := *s.objects[id]
	return &cp, nil
}

// GetFact returns a copy of the fact with the given id.
func (s *Store) GetFact(id int) (*Entry, error) {
	s.factsMu.RLock()
	defer s.factsMu.RUnlock()
	if id < 0 || id >= len(s.facts) {
		return nil, d20err.New(d20err.KindNotFound, "blackboard.GetFact", "")
	}
	cp := *s.facts[id]
	return &cp, nil
}

// GetHyp returns a copy of the hyp with the given id.
func (s *Store) GetHyp(id int) (*Entry, error) {
	s.hypsMu.RLock()
	defer s.hypsMu.RUnlock()
	if id < 0 || id >= len(s.hyps) || s.hyps[id] == nil {
		return nil, d20err.New(d20err.KindNotFound, "blackboard.GetHyp", "")
	}
	cp := *s.hyps[id]
	return &cp, nil
}

// List returns copies of every entry/object of kind, optionally filtered
// by concrete type name (ignored for KindObject).
func (s *Store) List(kind Kind, typ string) any {
	switch kind {
	case KindObject:
		s.objectsMu.RLock()
		defer s.objectsMu.RUnlock()
		out := make([]*Object, 0, len(s.objects))
		for _, o := range s.objects {
			cp := *o
			out = append(out, &cp)
		}
		return out
	case KindFact:
		return filterEntries(&s.factsMu, s.facts, typ)
	case KindHyp:
		return filterEntries(&s.hypsMu, s.hyps, typ)
	}
	return nil
}

func filterEntries(mu *sync.RWMutex, table []*Entry, typ string) []*Entry {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]*Entry, 0, len(table))
	for _, e := range table {
		if e == nil { // promoted hyp tombstone
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// TableSnapshot is a copy of the three tables, suitable for gob
// encoding. Each Object and Entry struct is copied; their slices and
// field maps are shared with the live store. Hyp tombstones (promoted hyps) are preserved as nil entries
// so reloading keeps the same dense-id layout the live store had.
type TableSnapshot struct {
	Objects []*Object
	Facts   []*Entry
	Hyps    []*Entry
}

// Snapshot captures the current table contents for serialization. It does
// not capture in-flight events or waiters; callers drain those separately.
func (s *Store) Snapshot() TableSnapshot {
	s.objectsMu.RLock()
	objects := make([]*Object, len(s.objects))
	for i, o := range s.objects {
		cp := *o
		objects[i] = &cp
	}
	s.objectsMu.RUnlock()

	copyTable := func(mu *sync.RWMutex, table []*Entry) []*Entry {
		mu.RLock()
		defer mu.RUnlock()
		out := make([]*Entry, len(table))
		for i, e := range table {
			if e == nil {
				continue
			}
			cp := *e
			out[i] = &cp
		}
		return out
	}

	return TableSnapshot{
		Objects: objects,
		Facts:   copyTable(&s.factsMu, s.facts),
		Hyps:    copyTable(&s.hypsMu, s.hyps),
	}
}

// Restore replaces the store's tables wholesale from a snapshot, rebuilding
// the digest index. It must only be called on a store no dispatch loop is
// reading or writing concurrently.
func (s *Store) Restore(t TableSnapshot) {
	s.objectsMu.Lock()
	s.objects = t.Objects
	s.digestIdx = make(map[[32]byte]int, len(t.Objects))
	for _, o := range t.Objects {
		s.digestIdx[sha256.Sum256(o.Bytes)] = o.ID
	}
	s.objectsMu.Unlock()

	s.factsMu.Lock()
	s.facts = t.Facts
	s.factsMu.Unlock()

	s.hypsMu.Lock()
	s.hyps = t.Hyps
	s.hypsMu.Unlock()
}

// PromoteHyp moves a hyp into the fact table under a fresh fact id,
// carrying its fields and relations verbatim (non-cascading lineage:
// any parent hyps stay hyps) and tombstoning its slot in the hyp table.
func (s *Store) PromoteHyp(id int) (int, error) {
	s.hypsMu.Lock()
	if id < 0 || id >= len(s.hyps) || s.hyps[id] == nil {
		s.hypsMu.Unlock()
		return 0, d20err.New(d20err.KindNotFound, "blackboard.PromoteHyp", "")
	}
	h := s.hyps[id]
	s.hyps[id] = nil // tombstone: id slot stays reserved, dense assignment of *other* table unaffected
	s.hypsMu.Unlock()

	s.factsMu.Lock()
	newID := len(s.facts)
	f := &Entry{
		ID:               newID,
		Type:             h.Type,
		GroupMemberships: h.GroupMemberships,
		Creator:          h.Creator,
		CreatedAt:        h.CreatedAt,
		Tainted:          false,
		Fields:           h.Fields,
		ParentObjects:    h.ParentObjects,
		ParentFacts:      h.ParentFacts,
		ParentHyps:       h.ParentHyps,
		ChildObjects:     h.ChildObjects,
		ChildFacts:       h.ChildFacts,
		ChildHyps:        h.ChildHyps,
		added:            true,
	}
	s.facts = append(s.facts, f)
	s.factsMu.Unlock()

	if err := s.linkParents(KindFact, newID, Parents{Objects: f.ParentObjects, Facts: f.ParentFacts, Hyps: f.ParentHyps}); err != nil {
		return 0, err
	}

	s.publish(PostEvent{Kind: KindFact, Type: f.Type, ID: newID, Groups: f.GroupMemberships, Parents: Parents{
		Objects: f.ParentObjects, Facts: f.ParentFacts, Hyps: f.ParentHyps,
	}})
	return newID, nil
}
