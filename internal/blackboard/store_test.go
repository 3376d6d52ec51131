package blackboard

import (
	"testing"

	"github.com/MITRECND/d20/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(struct{}{}, "md5", []string{"hash"}, map[string]registry.FieldSchema{
		"value": {Kind: registry.KindString, Required: true},
	}))
	require.NoError(t, reg.Register(struct{ x int }{}, "mimetype", nil, map[string]registry.FieldSchema{
		"value": {Kind: registry.KindString, Required: true},
	}))
	return New(reg), reg
}

func TestAddObjectDedup(t *testing.T) {
	s, _ := newTestStore(t)

	id1, created1, err := s.AddObject([]byte("abc"), "npc-1", Parents{})
	require.NoError(t, err)
	assert.True(t, created1)

	id2, created2, err := s.AddObject([]byte("abc"), "npc-2", Parents{})
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, id1, id2)

	obj, err := s.GetObject(id1)
	require.NoError(t, err)
	assert.Equal(t, "npc-1", obj.Creator)

	require.Len(t, obj.Provenance, 2)
	assert.Equal(t, "npc-1", obj.Provenance[0].Creator)
	assert.Equal(t, "npc-2", obj.Provenance[1].Creator)
}

func TestScenario1SingleObjectNPCPlayer(t *testing.T) {
	s, _ := newTestStore(t)

	objID, _, err := s.AddObject([]byte("abc"), "gm", Parents{})
	require.NoError(t, err)

	factID, err := s.AddFact(NewEntryDescriptor{
		Type: "md5", Creator: "npc-md5",
		Fields:  map[string]any{"value": "900150983cd24fb0d6963f7d28e17f72"},
		Parents: Parents{Objects: []int{objID}},
	})
	require.NoError(t, err)

	hypID, err := s.AddHyp(NewEntryDescriptor{
		Type: "mimetype", Creator: "player-mime",
		Fields:  map[string]any{"value": "text/plain"},
		Parents: Parents{Facts: []int{factID}},
	})
	require.NoError(t, err)

	fact, err := s.GetFact(factID)
	require.NoError(t, err)
	assert.Equal(t, []int{objID}, fact.ParentObjects)

	hyp, err := s.GetHyp(hypID)
	require.NoError(t, err)
	assert.Equal(t, []int{factID}, hyp.ParentFacts)
	assert.True(t, hyp.Tainted)

	obj, err := s.GetObject(objID)
	require.NoError(t, err)
	assert.Equal(t, []int{factID}, obj.ChildFacts)
}

func TestAddEntryUnknownParentFails(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddFact(NewEntryDescriptor{
		Type: "md5", Creator: "npc",
		Fields:  map[string]any{"value": "x"},
		Parents: Parents{Objects: []int{42}},
	})
	assert.Error(t, err)
}

func TestPromoteHyp(t *testing.T) {
	s, _ := newTestStore(t)
	hypID, err := s.AddHyp(NewEntryDescriptor{
		Type: "mimetype", Creator: "player",
		Fields: map[string]any{"value": "text/plain"},
	})
	require.NoError(t, err)

	factID, err := s.PromoteHyp(hypID)
	require.NoError(t, err)

	fact, err := s.GetFact(factID)
	require.NoError(t, err)
	assert.False(t, fact.Tainted)
	assert.Equal(t, "text/plain", fact.Fields["value"])

	_, err = s.GetHyp(hypID)
	assert.Error(t, err)
}

func TestPromoteHypRelinksReverseChildEdges(t *testing.T) {
	s, _ := newTestStore(t)
	objID, _, err := s.AddObject([]byte("abc"), "npc", Parents{})
	require.NoError(t, err)

	hypID, err := s.AddHyp(NewEntryDescriptor{
		Type: "mimetype", Creator: "player",
		Fields:  map[string]any{"value": "text/plain"},
		Parents: Parents{Objects: []int{objID}},
	})
	require.NoError(t, err)

	obj, err := s.GetObject(objID)
	require.NoError(t, err)
	assert.Equal(t, []int{hypID}, obj.ChildHyps)

	factID, err := s.PromoteHyp(hypID)
	require.NoError(t, err)

	obj, err = s.GetObject(objID)
	require.NoError(t, err)
	assert.Equal(t, []int{factID}, obj.ChildFacts)
}

func TestListFiltersByType(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddFact(NewEntryDescriptor{Type: "md5", Creator: "npc", Fields: map[string]any{"value": "a"}})
	require.NoError(t, err)
	_, err = s.AddFact(NewEntryDescriptor{Type: "mimetype", Creator: "npc", Fields: map[string]any{"value": "text/plain"}})
	require.NoError(t, err)

	facts := s.List(KindFact, "md5").([]*Entry)
	assert.Len(t, facts, 1)
	assert.Equal(t, "md5", facts[0].Type)

	all := s.List(KindFact, "").([]*Entry)
	assert.Len(t, all, 2)
}

func TestEventsPublished(t *testing.T) {
	s, _ := newTestStore(t)
	objID, _, err := s.AddObject([]byte("x"), "gm", Parents{})
	require.NoError(t, err)
	ev := <-s.Events()
	assert.Equal(t, KindObject, ev.Kind)
	assert.Equal(t, objID, ev.ID)
	assert.False(t, ev.Deduped)

	_, _, err = s.AddObject([]byte("x"), "gm2", Parents{})
	require.NoError(t, err)
	ev2 := <-s.Events()
	assert.True(t, ev2.Deduped)
}
