package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchPromotionsAcceptsMarkerFile(t *testing.T) {
	reg := testRegistry(t)
	e := New(reg, Config{Parallelism: 2, GraceTime: 50 * time.Millisecond})
	require.NoError(t, e.RegisterWorker(&worker.Template{
		Declaration: worker.Declaration{Name: "npc-md5"},
		Role:        worker.RoleNPC,
		New:         func() worker.Instance { return md5NPC{} },
	}))

	hypID, err := e.Store().AddHyp(blackboard.NewEntryDescriptor{
		Type:   "mimetype",
		Fields: map[string]any{"value": "text/plain"},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() { _ = e.WatchPromotions(ctx, dir) }()
	time.Sleep(50 * time.Millisecond)

	marker := filepath.Join(dir, fmt.Sprintf("promote-%d", hypID))
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	require.Eventually(t, func() bool {
		facts := e.Store().List(blackboard.KindFact, "mimetype")
		return facts != nil && len(facts.([]*blackboard.Entry)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchPromotionsStopsOnContextCancel(t *testing.T) {
	reg := testRegistry(t)
	e := New(reg, Config{})

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.WatchPromotions(ctx, dir) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchPromotions did not stop on cancellation")
	}
}
