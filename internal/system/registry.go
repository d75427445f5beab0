// Package system implements the System registry and executor described in
// spec.md §4.2: server-defined procedures with a declared parameter schema
// and permission level, invoked as retrying optimistic transactions.
// Grounded on the teacher's system/engine.ServiceEngine
// (RegisterService/ProcessRequest/EngineStats vocabulary), generalized from
// contract-event dispatch to direct CallSystem invocation.
package system

import (
	"fmt"
	"math"
	"sync"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

// ParamSpec describes one expected CallSystem argument.
type ParamSpec struct {
	Name string
	Kind schema.Kind
}

// Func is a System's body. It runs inside an open store.Transaction and
// must not perform any side effect outside the store until the executor
// reports a successful commit, per spec.md §4.2's deferred-side-effect rule.
type Func func(tx store.Transaction, args map[string]any) (any, error)

// Def is one registered System.
type Def struct {
	Name       string
	Params     []ParamSpec
	Components []string // declared component access set, informational
	Permission schema.Permission
	Fn         Func

	// Elevates, when above schema.Guest, raises the calling Session's
	// identity to this level once the call commits successfully — the
	// login-style convention spec.md §4.5 describes, so a System body
	// (which only sees a store.Transaction) never needs a handle back
	// onto the Session that's calling it.
	Elevates schema.Permission
}

func (d Def) validate() error {
	if d.Name == "" {
		return fmt.Errorf("system name must not be empty")
	}
	if d.Fn == nil {
		return fmt.Errorf("system %s: Fn must not be nil", d.Name)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("system %s: parameter name must not be empty", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("system %s: duplicate parameter %s", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Registry is the global System name -> Def table.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]*Def
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]*Def)}
}

// Register adds a System. Names are globally unique, per spec.md §4.2.
func (r *Registry) Register(d Def) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.systems[d.Name]; exists {
		return fmt.Errorf("system %s already registered", d.Name)
	}
	def := d
	r.systems[d.Name] = &def
	return nil
}

// Lookup returns a registered System definition by name.
func (r *Registry) Lookup(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.systems[name]
	return d, ok
}

// Names returns every registered System name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.systems))
	for name := range r.systems {
		names = append(names, name)
	}
	return names
}

// checkArgs validates arity and scalar-type conformance of args against a
// System's declared parameter schema, per spec.md §4.2 step 1's "bad-args"
// rejection rule. It also normalizes each argument to its declared Kind's
// exact Go type in place, since protocol.decodeValue only ever produces
// int64 (every integer Kind) and float64 (every float Kind) for a value
// that crossed the wire — without this, a System parameter declared
// uint64/int8/int16/int32/uint8/uint16/uint32/float32 could never pass a
// real client call.
func checkArgs(d *Def, args map[string]any) error {
	for _, p := range d.Params {
		v, ok := args[p.Name]
		if !ok {
			return errors.BadArgs(fmt.Sprintf("system %s: missing argument %q", d.Name, p.Name))
		}
		normalized, ok := normalizeArg(p.Kind, v)
		if !ok {
			return errors.BadArgs(fmt.Sprintf("system %s: argument %q expected %s", d.Name, p.Name, p.Kind))
		}
		args[p.Name] = normalized
	}
	return nil
}

// normalizeArg coerces v to the exact Go type p.Kind requires. A value
// already holding that type (e.g. a System called directly, native Go
// values, bypassing the wire) passes through unchanged; a wire-decoded
// int64/float64 is narrowed with an overflow check.
func normalizeArg(k schema.Kind, v any) (any, bool) {
	if kindMatches(k, v) {
		return v, true
	}
	switch k {
	case schema.KindInt8, schema.KindInt16, schema.KindInt32, schema.KindInt64,
		schema.KindUint8, schema.KindUint16, schema.KindUint32, schema.KindUint64:
		n, ok := v.(int64)
		if !ok {
			return nil, false
		}
		return narrowInt(k, n)
	case schema.KindFloat32:
		f, ok := v.(float64)
		if !ok || f < -math.MaxFloat32 || f > math.MaxFloat32 {
			return nil, false
		}
		return float32(f), true
	default:
		return nil, false
	}
}

func narrowInt(k schema.Kind, n int64) (any, bool) {
	switch k {
	case schema.KindInt8:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, false
		}
		return int8(n), true
	case schema.KindInt16:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, false
		}
		return int16(n), true
	case schema.KindInt32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, false
		}
		return int32(n), true
	case schema.KindInt64:
		return n, true
	case schema.KindUint8:
		if n < 0 || n > math.MaxUint8 {
			return nil, false
		}
		return uint8(n), true
	case schema.KindUint16:
		if n < 0 || n > math.MaxUint16 {
			return nil, false
		}
		return uint16(n), true
	case schema.KindUint32:
		if n < 0 || n > math.MaxUint32 {
			return nil, false
		}
		return uint32(n), true
	case schema.KindUint64:
		if n < 0 {
			return nil, false
		}
		return uint64(n), true
	default:
		return nil, false
	}
}

func kindMatches(k schema.Kind, v any) bool {
	switch k {
	case schema.KindInt8:
		_, ok := v.(int8)
		return ok
	case schema.KindInt16:
		_, ok := v.(int16)
		return ok
	case schema.KindInt32:
		_, ok := v.(int32)
		return ok
	case schema.KindInt64:
		_, ok := v.(int64)
		return ok
	case schema.KindUint8:
		_, ok := v.(uint8)
		return ok
	case schema.KindUint16:
		_, ok := v.(uint16)
		return ok
	case schema.KindUint32:
		_, ok := v.(uint32)
		return ok
	case schema.KindUint64:
		_, ok := v.(uint64)
		return ok
	case schema.KindFloat32:
		_, ok := v.(float32)
		return ok
	case schema.KindFloat64:
		_, ok := v.(float64)
		return ok
	case schema.KindBool:
		_, ok := v.(bool)
		return ok
	case schema.KindBytes:
		_, ok := v.([]byte)
		return ok
	case schema.KindString, schema.KindEnum:
		_, ok := v.(string)
		return ok
	default:
		return false
	}
}
