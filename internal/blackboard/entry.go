// Package blackboard implements the concurrent data store: the objects,
// facts, and hyps tables, their relationship graph, content-addressed
// object dedup, and the PostEvent stream consumed by the scheduler.
package blackboard

import "time"

// Kind names one of the three blackboard tables.
type Kind string

const (
	KindObject Kind = "object"
	KindFact   Kind = "fact"
	KindHyp    Kind = "hyp"
)

// Object is an opaque byte buffer plus metadata. Immutable after insertion,
// except for its Parent*/Child*/Provenance lists, which grow as later
// AddObject calls land on the same content digest.
type Object struct {
	ID        int
	Bytes     []byte
	Creator   string // first writer
	CreatedAt time.Time

	// Provenance records one entry per AddObject call that resolved to
	// this object: the first-writer plus every later dedup hit, so a
	// byte-identical object added under two different creators keeps
	// both creator-tagged records rather than the second one vanishing.
	Provenance []ProvenanceRecord

	ParentObjects []int
	ParentFacts   []int
	ParentHyps    []int
	ChildObjects  []int
	ChildFacts    []int
	ChildHyps     []int
}

// ProvenanceRecord is one creator-tagged addition attempt against an
// object, including the parent set that attempt requested.
type ProvenanceRecord struct {
	Creator   string
	CreatedAt time.Time
	Parents   Parents
}

// Entry is the common shape of a Fact or Hyp record.
type Entry struct {
	ID               int
	Type             string
	GroupMemberships []string
	Creator          string
	CreatedAt        time.Time
	Tainted          bool
	Fields           map[string]any

	ParentObjects []int
	ParentFacts   []int
	ParentHyps    []int
	ChildObjects  []int
	ChildFacts    []int
	ChildHyps     []int

	added bool // internal flag: set once committed to a table; nothing reads it, so it does not block mutation
}

// Parents bundles the three parent-id lists an AddObject/AddFact/AddHyp
// call may specify before the entry is committed.
type Parents struct {
	Objects []int
	Facts   []int
	Hyps    []int
}

// NewEntryDescriptor is the pre-commit shape passed to AddFact/AddHyp.
type NewEntryDescriptor struct {
	Type    string
	Creator string
	Fields  map[string]any
	Parents Parents
}

// PostEvent is published to the scheduler after a successful commit.
type PostEvent struct {
	Kind    Kind
	Type    string
	ID      int
	Groups  []string
	Parents Parents
	Deduped bool
}
