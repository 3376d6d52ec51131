// Package snapshot implements the save-file codec: a length-prefixed gob
// envelope carrying the blackboard tables, registry manifest, clone
// bookkeeping, and per-template memory needed to resume a run.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/d20err"
	"github.com/MITRECND/d20/internal/scheduler"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
	gob.Register([]byte{})
	gob.Register(int(0))
	gob.Register(float64(0))
	gob.Register(true)
	gob.Register("")
}

// Header is the self-describing, version-checked leading block of a save
// file. A loader rejects a save whose EngineVersion does not match the
// currently running engine. RunID is stamped fresh on every Build so two
// saves taken from the same clone/serial state never collide on disk.
type Header struct {
	EngineVersion string
	CreatedAt     time.Time
	RunID         uuid.UUID
}

// Document is the full decoded contents of a save file.
type Document struct {
	Header Header

	Tables         blackboard.TableSnapshot
	RegistryNames  []string
	Clones         []scheduler.CloneRecord
	TemplateMemory map[string]map[string]any
}

// FileName derives a save-file name from the header's run id, so repeated
// saves against the same in-memory state never overwrite one another
// unless the caller chooses a fixed path explicitly.
func (h Header) FileName() string {
	return fmt.Sprintf("d20-%s.save", h.RunID.String())
}

// Save writes doc to w as a length-prefixed gob envelope: a 4-byte
// big-endian length, then the gob-encoded Document.
func Save(w io.Writer, doc Document) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return d20err.Wrap(d20err.KindInvariant, "snapshot.Save", "encode", err)
	}

	bw := bufio.NewWriter(w)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := bw.Write(lenPrefix[:]); err != nil {
		return d20err.Wrap(d20err.KindInvariant, "snapshot.Save", "write length", err)
	}
	if _, err := bw.Write(buf.Bytes()); err != nil {
		return d20err.Wrap(d20err.KindInvariant, "snapshot.Save", "write body", err)
	}
	return bw.Flush()
}

// Load reads a Document written by Save, rejecting it with an Invariant
// error if runningEngineVersion does not match the header.
func Load(r io.Reader, runningEngineVersion string) (Document, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Document{}, d20err.Wrap(d20err.KindInvariant, "snapshot.Load", "read length", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])

	body := io.LimitReader(r, int64(n))
	var doc Document
	if err := gob.NewDecoder(body).Decode(&doc); err != nil {
		return Document{}, d20err.Wrap(d20err.KindInvariant, "snapshot.Load", "decode", err)
	}

	if doc.Header.EngineVersion != runningEngineVersion {
		return Document{}, d20err.New(d20err.KindInvariant, "snapshot.Load",
			fmt.Sprintf("save engine_version %q does not match running %q", doc.Header.EngineVersion, runningEngineVersion))
	}
	return doc, nil
}

// Build assembles a Document from a live engine, ready for Save.
func Build(engineVersion string, store *blackboard.Store, registryNames []string, clones []scheduler.CloneRecord, memory map[string]map[string]any, now time.Time) Document {
	return Document{
		Header:         Header{EngineVersion: engineVersion, CreatedAt: now, RunID: uuid.New()},
		Tables:         store.Snapshot(),
		RegistryNames:  registryNames,
		Clones:         clones,
		TemplateMemory: memory,
	}
}

// Apply restores a Document's contents into a freshly constructed store
// and engine. The engine's workers must already be registered against the
// current registry before Apply runs, so RegistryNames can be checked and
// clone records rebound by template name.
func Apply(doc Document, store *blackboard.Store, reg interface{ Names() []string }, e *scheduler.Engine) error {
	have := make(map[string]struct{})
	for _, n := range reg.Names() {
		have[n] = struct{}{}
	}
	for _, n := range doc.RegistryNames {
		if _, ok := have[n]; !ok {
			return d20err.New(d20err.KindInvariant, "snapshot.Apply", "save references unregistered fact type "+n)
		}
	}

	store.Restore(doc.Tables)
	return e.LoadState(doc.Clones, doc.TemplateMemory)
}
