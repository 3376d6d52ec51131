// Package scheduler implements the Game Master: the dispatch loop that
// clones interested workers on matching blackboard events, tracks clone
// lifecycle, and detects quiescence across the whole worker population.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/console"
	"github.com/MITRECND/d20/internal/d20err"
	"github.com/MITRECND/d20/internal/interest"
	"github.com/MITRECND/d20/internal/registry"
	"github.com/MITRECND/d20/internal/wait"
	"github.com/MITRECND/d20/internal/worker"
)

// Config controls dispatch concurrency, quiescence debounce, and scratch
// storage. The external driver's configuration layer produces one of
// these; the scheduler itself has no opinion on where it came from.
type Config struct {
	Parallelism   int
	GraceTime     time.Duration
	TempDir       string
	EngineVersion string
	Logger        *slog.Logger
}

// DefaultConfig mirrors the documented defaults: parallelism equal to
// logical CPU count, a one second quiescence grace window.
func DefaultConfig() Config {
	return Config{
		Parallelism:   runtime.NumCPU(),
		GraceTime:     time.Second,
		TempDir:       os.TempDir(),
		EngineVersion: "1.0",
		Logger:        slog.Default(),
	}
}

type registeredWorker struct {
	tmpl     *worker.Template
	memory   *console.TemplateMemory
	singleton worker.Instance // set for NPC/BackStory roles
}

// Engine is the Game Master: it owns the blackboard, the interest index,
// the wait registry, and the live clone population.
type Engine struct {
	cfg Config
	log *slog.Logger

	store     *blackboard.Store
	reg       *registry.Registry
	interests *interest.Index
	waiting   *wait.Registry

	mu       sync.Mutex
	workers  map[string]*registeredWorker
	npcNames []string
	serials  map[string]int
	clones   map[CloneID]*clone

	sem chan struct{}
	wg  sync.WaitGroup

	activityMu sync.Mutex
	lastEvent  time.Time
	waitingN   int
	activeN    int // clones not yet DONE

	printMu sync.Mutex
}

// New constructs an Engine bound to a fresh blackboard built on reg.
func New(reg *registry.Registry, cfg Config) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	store := blackboard.New(reg)
	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		store:     store,
		reg:       reg,
		interests: interest.New(),
		waiting:   wait.New(store),
		workers:   make(map[string]*registeredWorker),
		serials:   make(map[string]int),
		clones:    make(map[CloneID]*clone),
		sem:       make(chan struct{}, cfg.Parallelism),
	}
	return e
}

// Store exposes the blackboard for direct reads by external tooling (the
// inspection shell, the save/load path).
func (e *Engine) Store() *blackboard.Store { return e.store }

// Registry exposes the fact-type registry.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// RegisterWorker files tmpl for dispatch. NPCs spawn on every object event;
// Players and BackStories spawn on matching fact/hyp events via the
// interest index. A declared engine_version newer than the engine's own
// running version is a registration failure, excluding the worker.
func (e *Engine) RegisterWorker(tmpl *worker.Template) error {
	if tmpl.EngineVersion != "" && !worker.EngineVersionSatisfies(tmpl.EngineVersion, e.cfg.EngineVersion) {
		return d20err.New(d20err.KindInvariant, "scheduler.RegisterWorker",
			fmt.Sprintf("%s requires engine_version %s, newer than running %s", tmpl.Name, tmpl.EngineVersion, e.cfg.EngineVersion))
	}

	e.mu.Lock()
	if _, dup := e.workers[tmpl.Name]; dup {
		e.mu.Unlock()
		return d20err.New(d20err.KindDuplicate, "scheduler.RegisterWorker", tmpl.Name)
	}
	rw := &registeredWorker{tmpl: tmpl, memory: console.NewTemplateMemory()}
	e.workers[tmpl.Name] = rw
	if tmpl.Role == worker.RoleNPC {
		e.npcNames = append(e.npcNames, tmpl.Name)
	}
	if tmpl.Role == worker.RoleNPC || tmpl.Role == worker.RoleBackStory {
		rw.singleton = tmpl.New()
	}
	e.mu.Unlock()

	if err := e.interests.Register(e.reg, tmpl); err != nil {
		return err
	}
	return nil
}

// Run drives the dispatch loop until quiescence is declared or ctx is
// cancelled, whichever comes first. It blocks until every clone reaches
// DONE.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.activityMu.Lock()
	e.lastEvent = time.Now()
	e.activityMu.Unlock()

	done := make(chan struct{})
	go e.quiescenceLoop(runCtx, cancel, done)

	for {
		select {
		case ev, ok := <-e.store.Events():
			if !ok {
				cancel()
				<-done
				e.wg.Wait()
				return nil
			}
			e.touch()
			e.waiting.Notify(ev)
			e.dispatch(runCtx, ev)
		case <-runCtx.Done():
			<-done
			e.wg.Wait()
			return nil
		}
	}
}

// touch resets the quiescence debounce window; any event arrival or clone
// state transition delays quiescence by a full grace window.
func (e *Engine) touch() {
	e.activityMu.Lock()
	e.lastEvent = time.Now()
	e.activityMu.Unlock()
}

func (e *Engine) quiescenceLoop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.isQuiescent() {
				e.log.Info("quiescence declared")
				cancel()
				return
			}
		}
	}
}

func (e *Engine) isQuiescent() bool {
	e.activityMu.Lock()
	quietFor := time.Since(e.lastEvent)
	waitingN := e.waitingN
	activeN := e.activeN
	e.activityMu.Unlock()

	if quietFor < e.cfg.GraceTime {
		return false
	}
	if activeN == 0 {
		return true
	}
	return waitingN == activeN
}

// dispatch spawns clones for every template interested in ev.
func (e *Engine) dispatch(ctx context.Context, ev blackboard.PostEvent) {
	switch ev.Kind {
	case blackboard.KindObject:
		if ev.Deduped {
			return
		}
		e.mu.Lock()
		names := append([]string(nil), e.npcNames...)
		e.mu.Unlock()
		for _, name := range names {
			e.spawn(ctx, name, Match{Kind: ev.Kind, Type: ev.Type, ID: ev.ID})
		}
	case blackboard.KindFact, blackboard.KindHyp:
		for _, tmpl := range e.interests.Match(ev.Kind, ev.Type) {
			e.spawn(ctx, tmpl.Name, Match{Kind: ev.Kind, Type: ev.Type, ID: ev.ID})
		}
	}
}

func (e *Engine) spawn(ctx context.Context, tmplName string, trigger Match) {
	e.mu.Lock()
	rw, ok := e.workers[tmplName]
	if !ok {
		e.mu.Unlock()
		return
	}
	serial := e.serials[tmplName]
	e.serials[tmplName] = serial + 1
	id := CloneID{Template: tmplName, Serial: serial}
	cl := &clone{id: id, tmpl: rw.tmpl, trigger: trigger, state: StateRunnable}
	e.clones[id] = cl
	e.mu.Unlock()

	e.activityMu.Lock()
	e.activeN++
	e.activityMu.Unlock()
	e.touch()

	e.wg.Add(1)
	go e.runClone(ctx, cl, rw)
}

func (e *Engine) runClone(ctx context.Context, cl *clone, rw *registeredWorker) {
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.finishClone(cl, d20err.Cancelled)
		return
	}
	defer func() { <-e.sem }()

	e.setState(cl, StateRunning)
	cl.startedAt = time.Now()

	instance := rw.singleton
	if instance == nil {
		instance = rw.tmpl.New()
	}

	label := fmt.Sprintf("%s/%d", cl.id.Template, cl.id.Serial)
	c := console.New(e.store, e.waiting, label, rw.memory, e.cfg.TempDir, e.printClone)
	c.SetLifecycleHooks(
		func() { e.setState(cl, StateWaiting) },
		func() { e.setState(cl, StateRunning) },
	)
	defer c.Cleanup()

	err := e.invoke(ctx, instance, c, cl.trigger)
	e.finishClone(cl, err)
}

// invoke calls the Handle method matching the trigger's kind, recovering
// any panic into an error so one crashing worker never aborts the run.
func (e *Engine) invoke(ctx context.Context, instance worker.Instance, c *console.Console, trigger Match) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d20err.New(d20err.KindInvariant, "scheduler.invoke", fmt.Sprintf("worker panic: %v", r))
		}
	}()
	switch trigger.Kind {
	case blackboard.KindObject:
		return instance.HandleData(c, trigger.ID)
	case blackboard.KindFact:
		return instance.HandleFact(c, trigger.ID)
	case blackboard.KindHyp:
		return instance.HandleHyp(c, trigger.ID)
	default:
		return nil
	}
}

func (e *Engine) setState(cl *clone, state CloneState) {
	e.mu.Lock()
	prev := cl.state
	cl.state = state
	e.mu.Unlock()

	e.activityMu.Lock()
	switch {
	case prev != StateWaiting && state == StateWaiting:
		e.waitingN++
	case prev == StateWaiting && state != StateWaiting:
		e.waitingN--
	}
	e.activityMu.Unlock()
	e.touch()
}

func (e *Engine) finishClone(cl *clone, err error) {
	e.mu.Lock()
	wasWaiting := cl.state == StateWaiting
	cl.state = StateDone
	cl.err = err
	e.mu.Unlock()

	e.activityMu.Lock()
	if wasWaiting {
		e.waitingN--
	}
	e.activeN--
	e.activityMu.Unlock()
	e.touch()

	if err != nil {
		e.log.Error("clone done with error", "clone", cl.id.Template, "serial", cl.id.Serial, "err", err)
	} else {
		e.log.Info("clone done", "clone", cl.id.Template, "serial", cl.id.Serial)
	}
}

func (e *Engine) printClone(label string, args []any) {
	e.printMu.Lock()
	defer e.printMu.Unlock()
	fmt.Printf("[%s] ", label)
	fmt.Println(args...)
}

// AcceptPromotion promotes a hyp to a fact and re-dispatches the
// equivalent fact event, the out-of-band path the inspection tool drives
// against a resumed save.
func (e *Engine) AcceptPromotion(ctx context.Context, hypID int) (int, error) {
	factID, err := e.store.PromoteHyp(hypID)
	if err != nil {
		return 0, err
	}
	f, err := e.store.GetFact(factID)
	if err != nil {
		return 0, err
	}
	ev := blackboard.PostEvent{
		Kind: blackboard.KindFact,
		Type: f.Type,
		ID:   f.ID,
		Parents: blackboard.Parents{
			Objects: f.ParentObjects,
			Facts:   f.ParentFacts,
			Hyps:    f.ParentHyps,
		},
	}
	e.touch()
	e.waiting.Notify(ev)
	e.dispatch(ctx, ev)
	return factID, nil
}

// CloneStates returns a snapshot of every clone's lifecycle state, keyed
// by id, for save-file serialization and for introspection tooling.
func (e *Engine) CloneStates() map[CloneID]CloneState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[CloneID]CloneState, len(e.clones))
	for id, cl := range e.clones {
		out[id] = cl.state
	}
	return out
}

// CloneRecords exports every known clone for the snapshot codec. A clone
// caught RUNNING at save time is reported RUNNABLE: on load it is
// restarted fresh from its triggering event rather than resumed mid-call,
// since a Go goroutine's stack cannot be serialized.
func (e *Engine) CloneRecords() []CloneRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CloneRecord, 0, len(e.clones))
	for id, cl := range e.clones {
		state := cl.state
		if state == StateRunning {
			state = StateRunnable
		}
		out = append(out, CloneRecord{ID: id, State: state, Trigger: cl.trigger})
	}
	return out
}

// TemplateMemorySnapshot exports every registered template's shared memory map for
// serialization.
func (e *Engine) TemplateMemorySnapshot() map[string]map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]any, len(e.workers))
	for name, rw := range e.workers {
		out[name] = rw.memory.Snapshot()
	}
	return out
}

// LoadState reconstructs clone bookkeeping and shared memory from a save.
// Every referenced template must already be registered (RegisterWorker
// must run before LoadState); an unknown template name is a corrupt-save
// Invariant error.
func (e *Engine) LoadState(records []CloneRecord, memory map[string]map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, snap := range memory {
		rw, ok := e.workers[name]
		if !ok {
			return d20err.New(d20err.KindInvariant, "scheduler.LoadState", "unknown worker in save: "+name)
		}
		rw.memory.Restore(snap)
	}

	for _, r := range records {
		rw, ok := e.workers[r.ID.Template]
		if !ok {
			return d20err.New(d20err.KindInvariant, "scheduler.LoadState", "unknown worker in save: "+r.ID.Template)
		}
		e.clones[r.ID] = &clone{id: r.ID, tmpl: rw.tmpl, trigger: r.Trigger, state: r.State}
		if r.ID.Serial >= e.serials[r.ID.Template] {
			e.serials[r.ID.Template] = r.ID.Serial + 1
		}
		if r.State != StateDone {
			e.activeN++
		}
	}
	return nil
}

// ResumePending respawns every non-DONE clone loaded by LoadState, each
// restarted fresh from its original triggering event.
func (e *Engine) ResumePending(ctx context.Context) {
	e.mu.Lock()
	var pending []*clone
	for _, cl := range e.clones {
		if cl.state != StateDone {
			cl.state = StateRunnable
			pending = append(pending, cl)
		}
	}
	e.mu.Unlock()

	e.touch()
	for _, cl := range pending {
		e.mu.Lock()
		rw := e.workers[cl.id.Template]
		e.mu.Unlock()
		e.wg.Add(1)
		go e.runClone(ctx, cl, rw)
	}
}
