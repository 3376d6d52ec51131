package snapshot

import (
	"bytes"
	"testing"
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/registry"
	"github.com/MITRECND/d20/internal/scheduler"
	"github.com/MITRECND/d20/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopInstance struct{}

func (noopInstance) HandleData(worker.Console, int) error { return nil }
func (noopInstance) HandleFact(worker.Console, int) error { return nil }
func (noopInstance) HandleHyp(worker.Console, int) error  { return nil }

func newTestEngine(t *testing.T) (*scheduler.Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(struct{}{}, "md5", nil, map[string]registry.FieldSchema{
		"value": {Kind: registry.KindString},
	}))
	e := scheduler.New(reg, scheduler.Config{EngineVersion: "1.0", GraceTime: 10 * time.Millisecond})
	require.NoError(t, e.RegisterWorker(&worker.Template{
		Declaration: worker.Declaration{Name: "npc-md5"},
		Role:        worker.RoleNPC,
		New:         func() worker.Instance { return noopInstance{} },
	}))
	return e, reg
}

func TestSaveLoadRoundTrip(t *testing.T) {
	e, reg := newTestEngine(t)
	_, _, err := e.Store().AddObject([]byte("abc"), "seed", blackboard.Parents{})
	require.NoError(t, err)
	_, err = e.Store().AddFact(blackboard.NewEntryDescriptor{Type: "md5", Creator: "npc-md5/0", Fields: map[string]any{"value": "900150983cd24fb0d6963f7d28e17f72"}})
	require.NoError(t, err)

	doc := Build("1.0", e.Store(), reg.Names(), e.CloneRecords(), e.TemplateMemorySnapshot(), time.Now())

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, doc))

	loaded, err := Load(&buf, "1.0")
	require.NoError(t, err)
	assert.Equal(t, doc.Header.RunID, loaded.Header.RunID)
	assert.Len(t, loaded.Tables.Objects, 1)
	assert.Len(t, loaded.Tables.Facts, 1)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", loaded.Tables.Facts[0].Fields["value"])
}

func TestLoadRejectsEngineVersionMismatch(t *testing.T) {
	e, reg := newTestEngine(t)
	doc := Build("1.0", e.Store(), reg.Names(), e.CloneRecords(), e.TemplateMemorySnapshot(), time.Now())

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, doc))

	_, err := Load(&buf, "2.0")
	require.Error(t, err)
}

func TestApplyRejectsUnknownRegistryName(t *testing.T) {
	e, reg := newTestEngine(t)
	doc := Build("1.0", e.Store(), reg.Names(), e.CloneRecords(), e.TemplateMemorySnapshot(), time.Now())
	doc.RegistryNames = append(doc.RegistryNames, "ghost-type")

	freshReg := registry.New()
	require.NoError(t, freshReg.Register(struct{}{}, "md5", nil, nil))
	freshEngine := scheduler.New(freshReg, scheduler.Config{EngineVersion: "1.0"})
	require.NoError(t, freshEngine.RegisterWorker(&worker.Template{
		Declaration: worker.Declaration{Name: "npc-md5"},
		Role:        worker.RoleNPC,
		New:         func() worker.Instance { return noopInstance{} },
	}))

	err := Apply(doc, freshEngine.Store(), freshReg, freshEngine)
	require.Error(t, err)
}
