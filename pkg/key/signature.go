package key

import (
	"fmt"
	"sort"
)

// Params is a name-keyed argument set. It canonicalizes like any other map,
// i.e. sorted by parameter name.
type Params map[string]any

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signature describes the parameter list of a wrapped function so that
// positional and keyword arguments bind to the same Params.
type Signature struct {
	// Names are the parameter names in declaration order.
	Names []string

	// Defaults holds values for parameters that may be omitted.
	Defaults map[string]any

	// Ignore lists parameters that never contribute to the key
	// (receivers, loggers, clients).
	Ignore []string
}

// NewSignature creates a signature from parameter names in declaration order.
func NewSignature(names ...string) Signature {
	return Signature{Names: names}
}

// WithDefault returns a copy of the signature with a default for name.
func (s Signature) WithDefault(name string, value any) Signature {
	defaults := make(map[string]any, len(s.Defaults)+1)
	for k, v := range s.Defaults {
		defaults[k] = v
	}
	defaults[name] = value
	s.Defaults = defaults
	return s
}

// WithIgnored returns a copy of the signature that drops names from the key.
func (s Signature) WithIgnored(names ...string) Signature {
	s.Ignore = append(append([]string(nil), s.Ignore...), names...)
	return s
}

// Bind merges positional and keyword arguments into Params, filling
// defaults. Ignored parameters are bound (so arity is checked) but dropped.
func (s Signature) Bind(args []any, kwargs map[string]any) (Params, error) {
	if len(args) > len(s.Names) {
		return nil, fmt.Errorf("%w: got %d positional arguments, want at most %d",
			ErrBinding, len(args), len(s.Names))
	}

	known := make(map[string]bool, len(s.Names))
	for _, name := range s.Names {
		known[name] = true
	}

	bound := make(Params, len(s.Names))
	for i, arg := range args {
		bound[s.Names[i]] = arg
	}

	for name, value := range kwargs {
		if !known[name] {
			return nil, fmt.Errorf("%w: unexpected keyword argument %q", ErrBinding, name)
		}
		if _, dup := bound[name]; dup {
			return nil, fmt.Errorf("%w: multiple values for argument %q", ErrBinding, name)
		}
		bound[name] = value
	}

	for _, name := range s.Names {
		if _, ok := bound[name]; ok {
			continue
		}
		def, ok := s.Defaults[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing argument %q", ErrBinding, name)
		}
		bound[name] = def
	}

	for _, name := range s.Ignore {
		delete(bound, name)
	}

	return bound, nil
}
