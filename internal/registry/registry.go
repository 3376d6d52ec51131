// Package registry implements the fact-type registry: registration,
// field-schema validation, reserved-name enforcement, and fact-group
// expansion to concrete type names.
package registry

import (
	"sync"

	"github.com/MITRECND/d20/internal/d20err"
)

// FieldKind enumerates the field-value kinds a descriptor may declare.
type FieldKind string

const (
	KindString        FieldKind = "string"
	KindBytes         FieldKind = "bytes"
	KindBool          FieldKind = "bool"
	KindInt           FieldKind = "int"
	KindFloat         FieldKind = "float"
	KindNumeric       FieldKind = "numeric"
	KindDict          FieldKind = "dict"
	KindList          FieldKind = "list"
	KindListOfDicts   FieldKind = "list_of_dicts"
	KindStringOrBytes FieldKind = "string_or_bytes"
	KindCustom        FieldKind = "custom"
)

var validFieldKinds = map[FieldKind]struct{}{
	KindString: {}, KindBytes: {}, KindBool: {}, KindInt: {}, KindFloat: {},
	KindNumeric: {}, KindDict: {}, KindList: {}, KindListOfDicts: {},
	KindStringOrBytes: {}, KindCustom: {},
}

// FieldSchema describes a single declared field on a fact type.
type FieldSchema struct {
	Kind          FieldKind
	Required      bool
	Default       any
	AllowedValues []any
	Help          string
}

// reservedNames is the public fact accessor surface a field name may
// never shadow.
var reservedNames = map[string]struct{}{
	"id": {}, "factType": {}, "groupMemberships": {},
	"parentObjects": {}, "parentFacts": {}, "parentHyps": {},
	"childObjects": {}, "childFacts": {}, "childHyps": {},
	"addParentObject": {}, "addParentFact": {}, "addParentHyp": {},
	"creator": {}, "created": {}, "createdAt": {}, "tainted": {},
	"save": {}, "load": {}, "fields": {}, "relations": {},
}

// isPrivate reports whether name lives in the underscore-framed private
// namespace reserved by the descriptor accessor surface.
func isPrivate(name string) bool {
	return len(name) >= 2 && name[0] == '_' && name[len(name)-1] == '_'
}

// Descriptor is a fact type's registered shape.
type Descriptor struct {
	Name   string
	Groups []string
	Fields map[string]FieldSchema

	// classToken identifies the concrete Go type this descriptor was
	// registered for, so re-registration of the *same* class under the
	// same name is idempotent while a *different* class under the same
	// name fails as Duplicate.
	classToken any
}

// Validate checks field values against the descriptor's schema,
// enforcing `required` and, when present, `allowed_values`.
func (d *Descriptor) Validate(fields map[string]any) error {
	for name, schema := range d.Fields {
		v, present := fields[name]
		if !present {
			if schema.Required {
				return d20err.New(d20err.KindUnknownFieldKind, "registry.Validate",
					"missing required field "+name)
			}
			continue
		}
		if len(schema.AllowedValues) > 0 {
			ok := false
			for _, av := range schema.AllowedValues {
				if av == v {
					ok = true
					break
				}
			}
			if !ok {
				return d20err.New(d20err.KindUnknownFieldKind, "registry.Validate",
					"value for field "+name+" not in allowed_values")
			}
		}
	}
	return nil
}

// Registry is the thread-safe fact-type registry.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	groups map[string]map[string]struct{} // group name -> set of concrete type names
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		groups: make(map[string]map[string]struct{}),
	}
}

// Register validates and stores a fact type descriptor, filing it under
// its own name and every listed group name. Re-registration under the
// same name with the same classToken is a no-op (idempotent); a
// different classToken under an already-registered name is Duplicate.
func (r *Registry) Register(classToken any, name string, groups []string, fields map[string]FieldSchema) error {
	if err := validateFieldSchemas(fields); err != nil {
		return err
	}
	for fieldName := range fields {
		if _, reserved := reservedNames[fieldName]; reserved || isPrivate(fieldName) {
			return d20err.New(d20err.KindReservedName, "registry.Register",
				"field name "+fieldName+" collides with reserved API surface")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.classToken != classToken {
			return d20err.New(d20err.KindDuplicate, "registry.Register",
				"fact type "+name+" already registered under a different class")
		}
		return nil // idempotent re-declaration
	}

	desc := &Descriptor{Name: name, Groups: append([]string(nil), groups...), Fields: fields, classToken: classToken}
	r.byName[name] = desc
	for _, g := range groups {
		set, ok := r.groups[g]
		if !ok {
			set = make(map[string]struct{})
			r.groups[g] = set
		}
		set[name] = struct{}{}
	}
	return nil
}

// Expand returns the set of concrete type names covered by name: identity
// if name is itself a concrete type, else the group multi-map lookup.
func (r *Registry) Expand(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byName[name]; ok {
		return []string{name}
	}
	set, ok := r.groups[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// Lookup returns the descriptor registered under name, if any.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names returns every registered concrete type name, for manifesting a
// registry's shape into a save file without serializing class identity.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

func validateFieldSchemas(fields map[string]FieldSchema) error {
	for name, schema := range fields {
		if _, ok := validFieldKinds[schema.Kind]; !ok {
			return d20err.New(d20err.KindUnknownFieldKind, "registry.Register",
				"field "+name+" declares unknown kind "+string(schema.Kind))
		}
	}
	return nil
}
