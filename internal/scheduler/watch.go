package scheduler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPromotions watches dir for externally-written promotion marker
// files named "promote-<hyp-id>" and calls AcceptPromotion for each one
// that appears, letting an external inspection tool drive promotion
// decisions by dropping a file rather than holding an RPC connection to
// the engine. It runs until ctx is cancelled or the watcher itself fails.
func (e *Engine) WatchPromotions(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			var hypID int
			if _, err := fmt.Sscanf(filepath.Base(ev.Name), "promote-%d", &hypID); err != nil {
				continue
			}
			if _, err := e.AcceptPromotion(ctx, hypID); err != nil {
				e.log.Error("watch: promotion failed", "hyp_id", hypID, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.log.Error("watch: fsnotify error", "error", err)
		}
	}
}
