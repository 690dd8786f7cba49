// Package registry holds the versioned, append-only catalogue of event types.
//
// Each event type names the aggregate kind it belongs to, whether it may open
// a new aggregate, and a CUE schema its payload must satisfy. A type may gain
// new schema versions over time; a registered (name, version) pair never
// changes meaning.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/Masterminds/semver/v3"

	"github.com/roach88/cairn/internal/ir"
)

// EventType describes one schema version of an event type.
type EventType struct {
	Name          string           `yaml:"name" json:"name"`
	Kind          ir.AggregateKind `yaml:"kind" json:"kind"`
	SchemaVersion string           `yaml:"schema_version" json:"schema_version"`
	Creates       bool             `yaml:"creates,omitempty" json:"creates,omitempty"`
	Compensating  bool             `yaml:"compensating,omitempty" json:"compensating,omitempty"`
	Description   string           `yaml:"description,omitempty" json:"description,omitempty"`
	Schema        string           `yaml:"schema" json:"schema"`
}

type entry struct {
	EventType
	version *semver.Version
	schema  cue.Value
}

// Registry is safe for concurrent use. CUE values are not, so validation is
// serialized on the registry mutex.
type Registry struct {
	mu    sync.Mutex
	cue   *cue.Context
	types map[string][]*entry // ascending by version
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		cue:   cuecontext.New(),
		types: make(map[string][]*entry),
	}
}

// Register appends a type version. Re-registering an identical definition is
// a no-op; changing a registered version or adding an older one is an error.
func (r *Registry) Register(t EventType) error {
	if t.Name == "" {
		return fmt.Errorf("register: event type name is required")
	}
	switch t.Kind {
	case ir.KindRecord, ir.KindAnnotation, ir.KindConfig:
	default:
		return fmt.Errorf("register %s: unknown aggregate kind %q", t.Name, t.Kind)
	}

	v, err := semver.NewVersion(t.SchemaVersion)
	if err != nil {
		return fmt.Errorf("register %s: schema_version %q: %w", t.Name, t.SchemaVersion, err)
	}
	t.SchemaVersion = v.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	schema := r.cue.CompileString(t.Schema, cue.Filename(t.Name+"@"+t.SchemaVersion))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("register %s@%s: %s", t.Name, t.SchemaVersion, formatCUEError(err))
	}

	versions := r.types[t.Name]
	for _, existing := range versions {
		if existing.version.Equal(v) {
			if existing.EventType == t {
				return nil
			}
			return fmt.Errorf("register %s@%s: version already registered with a different definition", t.Name, t.SchemaVersion)
		}
	}
	if n := len(versions); n > 0 {
		last := versions[n-1]
		if !v.GreaterThan(last.version) {
			return fmt.Errorf("register %s@%s: versions are append-only, latest is %s", t.Name, t.SchemaVersion, last.SchemaVersion)
		}
		if last.Kind != t.Kind {
			return fmt.Errorf("register %s@%s: kind %q differs from earlier kind %q", t.Name, t.SchemaVersion, t.Kind, last.Kind)
		}
	}

	r.types[t.Name] = append(versions, &entry{EventType: t, version: v, schema: schema})
	return nil
}

// Lookup returns the exact schema version of an event type. Unknown types and
// versions are validation errors, since they come from client input.
func (r *Registry) Lookup(name, schemaVersion string) (EventType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(name, schemaVersion)
	if err != nil {
		return EventType{}, err
	}
	return e.EventType, nil
}

func (r *Registry) lookup(name, schemaVersion string) (*entry, error) {
	versions, ok := r.types[name]
	if !ok {
		return nil, ir.NewValidationError("unknown event type %q", name)
	}
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return nil, ir.NewValidationError("event type %s: invalid schema version %q", name, schemaVersion)
	}
	for _, e := range versions {
		if e.version.Equal(v) {
			return e, nil
		}
	}
	return nil, ir.NewValidationError("event type %s has no schema version %s", name, v.String())
}

// Latest returns the newest schema version of an event type.
func (r *Registry) Latest(name string) (EventType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.types[name]
	if !ok || len(versions) == 0 {
		return EventType{}, ir.NewValidationError("unknown event type %q", name)
	}
	return versions[len(versions)-1].EventType, nil
}

// Validate checks a payload against its type's schema and returns the type.
// The payload must unify with the schema and be fully concrete.
func (r *Registry) Validate(name, schemaVersion string, payload ir.IRObject) (EventType, error) {
	if payload == nil {
		payload = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return EventType{}, ir.NewValidationError("event type %s: payload: %v", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(name, schemaVersion)
	if err != nil {
		return EventType{}, err
	}

	value := r.cue.CompileBytes(data, cue.Filename("payload.json"))
	if err := value.Err(); err != nil {
		return EventType{}, ir.NewValidationError("event type %s: payload: %s", name, formatCUEError(err))
	}
	if err := e.schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return EventType{}, ir.NewValidationError("event type %s@%s: %s", name, e.SchemaVersion, formatCUEError(err))
	}
	return e.EventType, nil
}

// Types returns every registered version sorted by name then version.
func (r *Registry) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []EventType
	for _, name := range names {
		for _, e := range r.types[name] {
			out = append(out, e.EventType)
		}
	}
	return out
}

// formatCUEError flattens a CUE error list into one line per problem.
func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
