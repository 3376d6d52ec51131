// Package console implements the per-clone facade workers use to read and
// write the blackboard, suspend on wait primitives, and access scoped
// memory, scratch directories, and tagged output.
package console

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/d20err"
	"github.com/MITRECND/d20/internal/wait"
)

// Printer receives tagged output from a clone's print calls.
type Printer func(cloneLabel string, args []any)

// TemplateMemory is a lock-protected key/value map shared across every
// clone spawned from the same worker template.
type TemplateMemory struct {
	mu sync.Mutex
	m  map[string]any
}

// NewTemplateMemory constructs an empty shared memory slot.
func NewTemplateMemory() *TemplateMemory {
	return &TemplateMemory{m: make(map[string]any)}
}

func (t *TemplateMemory) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	return v, ok
}

func (t *TemplateMemory) Set(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = value
}

// Snapshot returns a shallow copy of the memory map for serialization.
func (t *TemplateMemory) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// Restore replaces the memory map's contents from a save.
func (t *TemplateMemory) Restore(m map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = make(map[string]any, len(m))
	for k, v := range m {
		t.m[k] = v
	}
}

// Console is the per-clone facade bound to one running clone. It is not
// safe to retain or share across clones: `data` is unlocked because a
// single clone runs single-threaded between suspension points.
type Console struct {
	store   *blackboard.Store
	waiting *wait.Registry

	cloneLabel string
	memory     *TemplateMemory
	data       map[string]any

	tempRoot string
	tempDirs []string

	printer Printer

	onSuspend func()
	onResume  func()
}

// New constructs a Console for one clone invocation. tempRoot is the base
// directory scoped per-clone temp directories are created under; printer
// routes print() calls to the scheduler's tagged stdout.
func New(store *blackboard.Store, waiting *wait.Registry, cloneLabel string, memory *TemplateMemory, tempRoot string, printer Printer) *Console {
	return &Console{
		store:      store,
		waiting:    waiting,
		cloneLabel: cloneLabel,
		memory:     memory,
		data:       make(map[string]any),
		tempRoot:   tempRoot,
		printer:    printer,
	}
}

// SetLifecycleHooks wires the scheduler's suspend/resume callbacks,
// invoked around every blocking receive a wait primitive performs. The
// scheduler uses them to mark the clone WAITING and then RUNNING again for
// quiescence detection; a waiting clone keeps its worker-pool slot.
func (c *Console) SetLifecycleHooks(onSuspend, onResume func()) {
	c.onSuspend = onSuspend
	c.onResume = onResume
}

func (c *Console) suspend() {
	if c.onSuspend != nil {
		c.onSuspend()
	}
}

func (c *Console) resume() {
	if c.onResume != nil {
		c.onResume()
	}
}

// wrapSink brackets every receive from ch with the suspend/resume hooks,
// so a worker ranging over the returned channel is marked waiting between
// deliveries rather than only once at subscribe time.
func (c *Console) wrapSink(ch <-chan wait.Match) <-chan wait.Match {
	out := make(chan wait.Match)
	go func() {
		defer close(out)
		for {
			c.suspend()
			m, ok := <-ch
			c.resume()
			if !ok {
				return
			}
			out <- m
		}
	}()
	return out
}

// Memory exposes the shared per-template memory.
func (c *Console) Memory() *TemplateMemory { return c.memory }

// Data gets a value from this clone's private, unlocked scratch map.
func (c *Console) Data(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// SetData stores a value in this clone's private scratch map.
func (c *Console) SetData(key string, value any) {
	c.data[key] = value
}

// AddObject implements add_object.
func (c *Console) AddObject(data []byte, parents blackboard.Parents) (int, error) {
	id, _, err := c.store.AddObject(data, c.cloneLabel, parents)
	return id, err
}

// AddFact implements add_fact.
func (c *Console) AddFact(desc blackboard.NewEntryDescriptor) (int, error) {
	desc.Creator = c.cloneLabel
	return c.store.AddFact(desc)
}

// AddHyp implements add_hyp.
func (c *Console) AddHyp(desc blackboard.NewEntryDescriptor) (int, error) {
	desc.Creator = c.cloneLabel
	return c.store.AddHyp(desc)
}

func (c *Console) GetObject(id int) (*blackboard.Object, error) { return c.store.GetObject(id) }
func (c *Console) GetFact(id int) (*blackboard.Entry, error)    { return c.store.GetFact(id) }
func (c *Console) GetHyp(id int) (*blackboard.Entry, error)     { return c.store.GetHyp(id) }

// GetAllFacts implements get_all_facts(type).
func (c *Console) GetAllFacts(factType string) []*blackboard.Entry {
	return c.store.List(blackboard.KindFact, factType).([]*blackboard.Entry)
}

// GetAllHyps implements get_all_hyps(type).
func (c *Console) GetAllHyps(hypType string) []*blackboard.Entry {
	return c.store.List(blackboard.KindHyp, hypType).([]*blackboard.Entry)
}

// WaitOnFacts implements wait_on_facts.
func (c *Console) WaitOnFacts(ctx context.Context, types []string, sinceID *int) (<-chan wait.Match, error) {
	ch, err := c.waiting.WaitOnEntries(ctx, blackboard.KindFact, types, sinceID)
	if err != nil {
		return nil, err
	}
	return c.wrapSink(ch), nil
}

// WaitOnHyps implements wait_on_hyps.
func (c *Console) WaitOnHyps(ctx context.Context, types []string, sinceID *int) (<-chan wait.Match, error) {
	ch, err := c.waiting.WaitOnEntries(ctx, blackboard.KindHyp, types, sinceID)
	if err != nil {
		return nil, err
	}
	return c.wrapSink(ch), nil
}

// WaitOnChildFacts implements wait_on_child_facts.
func (c *Console) WaitOnChildFacts(ctx context.Context, parentKind blackboard.Kind, parentID int, types []string) (<-chan wait.Match, error) {
	ch, err := c.waiting.WaitOnChildEntries(ctx, blackboard.KindFact, parentKind, parentID, types)
	if err != nil {
		return nil, err
	}
	return c.wrapSink(ch), nil
}

// WaitOnChildHyps implements wait_on_child_hyps.
func (c *Console) WaitOnChildHyps(ctx context.Context, parentKind blackboard.Kind, parentID int, types []string) (<-chan wait.Match, error) {
	ch, err := c.waiting.WaitOnChildEntries(ctx, blackboard.KindHyp, parentKind, parentID, types)
	if err != nil {
		return nil, err
	}
	return c.wrapSink(ch), nil
}

// WaitOnChildObjects implements wait_on_child_objects.
func (c *Console) WaitOnChildObjects(ctx context.Context, parentKind blackboard.Kind, parentID int) (<-chan wait.Match, error) {
	ch, err := c.waiting.WaitOnChildEntries(ctx, blackboard.KindObject, parentKind, parentID, nil)
	if err != nil {
		return nil, err
	}
	return c.wrapSink(ch), nil
}

// WaitTillFact implements wait_till_fact.
func (c *Console) WaitTillFact(ctx context.Context, factType string, timeout time.Duration, lastID *int) (wait.Match, error) {
	c.suspend()
	defer c.resume()
	return c.waiting.WaitTillEntry(ctx, blackboard.KindFact, factType, timeout, lastID)
}

// MyDirectory returns this clone's lazily-created scoped temp directory,
// creating it on first call and reusing it on subsequent calls.
func (c *Console) MyDirectory() (string, error) {
	if len(c.tempDirs) > 0 {
		return c.tempDirs[0], nil
	}
	return c.CreateTempDirectory()
}

// CreateTempDirectory returns a fresh scoped temp directory every call,
// released (along with every other directory this clone created) when
// Cleanup runs at clone completion.
func (c *Console) CreateTempDirectory() (string, error) {
	if err := os.MkdirAll(c.tempRoot, 0o755); err != nil {
		return "", d20err.Wrap(d20err.KindInvariant, "console.CreateTempDirectory", "", err)
	}
	dir, err := os.MkdirTemp(c.tempRoot, fmt.Sprintf("clone-%s-*", sanitizeLabel(c.cloneLabel)))
	if err != nil {
		return "", d20err.Wrap(d20err.KindInvariant, "console.CreateTempDirectory", "", err)
	}
	c.tempDirs = append(c.tempDirs, dir)
	return dir, nil
}

// Cleanup releases every temp directory this clone created. The scheduler
// calls this once a clone reaches DONE, on cancellation, and on crash.
func (c *Console) Cleanup() {
	for _, dir := range c.tempDirs {
		_ = os.RemoveAll(dir)
	}
	c.tempDirs = nil
}

// Print implements print(...), routing to the scheduler's tagged stdout.
// Satisfies worker.Console.
func (c *Console) Print(args ...any) {
	if c.printer != nil {
		c.printer(c.cloneLabel, args)
	}
}

func sanitizeLabel(label string) string {
	return filepath.Clean(filepath.Base(label))
}
