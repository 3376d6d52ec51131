// Package interest implements the interest index: the (kind, concrete
// type) -> worker templates multi-map, expanding group names via the
// fact registry at registration time.
package interest

import (
	"sync"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/d20err"
	"github.com/MITRECND/d20/internal/registry"
	"github.com/MITRECND/d20/internal/worker"
)

type key struct {
	kind blackboard.Kind
	typ  string
}

// Index is the thread-safe interest index. It is expected to be built up
// before the game starts and then read concurrently during dispatch — a
// change in registered fact types after a worker is registered does not
// retroactively update its expansion.
type Index struct {
	mu  sync.RWMutex
	byK map[key][]*worker.Template
}

// New constructs an empty Index.
func New() *Index {
	return &Index{byK: make(map[key][]*worker.Template)}
}

// Register expands tmpl's interests through reg and files the template
// under every resulting (kind, concrete type) pair. An empty interest
// list registers nothing — such a worker never spawns. A group name
// that expands to zero concrete types is a registration failure.
func (idx *Index) Register(reg *registry.Registry, tmpl *worker.Template) error {
	if tmpl.Role == worker.RoleNPC {
		// NPCs are object-reactive and single-instance; they are not
		// filed in the fact/hyp interest map at all — the scheduler
		// spawns them directly on every object event.
		return nil
	}
	if tmpl.Interests.Empty() {
		return nil
	}

	factTypes, err := expandAll(reg, tmpl.Interests.Facts)
	if err != nil {
		return err
	}
	hypTypes, err := expandAll(reg, tmpl.Interests.Hyps)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, t := range factTypes {
		k := key{blackboard.KindFact, t}
		idx.byK[k] = append(idx.byK[k], tmpl)
	}
	for _, t := range hypTypes {
		k := key{blackboard.KindHyp, t}
		idx.byK[k] = append(idx.byK[k], tmpl)
	}
	return nil
}

func expandAll(reg *registry.Registry, names []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range names {
		expanded := reg.Expand(name)
		if len(expanded) == 0 {
			return nil, d20err.New(d20err.KindNotFound, "interest.Register",
				"interest "+name+" expands to zero concrete fact types")
		}
		for _, t := range expanded {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out, nil
}

// Match returns the templates interested in (kind, typ).
func (idx *Index) Match(kind blackboard.Kind, typ string) []*worker.Template {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	src := idx.byK[key{kind, typ}]
	out := make([]*worker.Template, len(src))
	copy(out, src)
	return out
}
