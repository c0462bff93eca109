package eventstore

import (
	"fmt"
)

// Schema describes how one event type goes on the wire: the payload version
// stamped into the encoded form, the ordered field list, the subset of
// fields that must be individually encrypted, and a constructor for the
// typed payload used on decode.
type Schema struct {
	PayloadVersion int64
	Fields         []string
	Encrypted      []string
	New            func() any
}

// Registry maps event names to schemas. It is declared once per
// application and must be validated before use; an unknown event name at
// runtime is always a hard error.
type Registry map[string]Schema

// Validate checks the registry for mistakes that would otherwise surface
// as runtime decode failures: duplicate fields, encrypted fields not in
// the field list, missing constructors, bad versions.
func (r Registry) Validate() error {
	for name, s := range r {
		if name == "" {
			return fmt.Errorf("registry contains an empty event name")
		}
		if s.PayloadVersion < 1 {
			return fmt.Errorf("%s: payload version must be >= 1, got %d", name, s.PayloadVersion)
		}
		if s.New == nil {
			return fmt.Errorf("%s: payload constructor is nil", name)
		}
		seen := make(map[string]bool, len(s.Fields))
		for _, f := range s.Fields {
			if f == "" {
				return fmt.Errorf("%s: empty field name", name)
			}
			if seen[f] {
				return fmt.Errorf("%s: duplicate field %q", name, f)
			}
			seen[f] = true
		}
		for _, f := range s.Encrypted {
			if !seen[f] {
				return fmt.Errorf("%s: encrypted field %q is not in the field list", name, f)
			}
		}
	}
	return nil
}

// MustValidate panics on an invalid registry. Meant for package-level
// declarations where a bad registry should stop the process immediately.
func (r Registry) MustValidate() Registry {
	if err := r.Validate(); err != nil {
		panic(fmt.Sprintf("invalid event registry: %v", err))
	}
	return r
}

func (r Registry) schema(name string) (Schema, error) {
	s, ok := r[name]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return s, nil
}

func (s Schema) encrypted(field string) bool {
	for _, f := range s.Encrypted {
		if f == field {
			return true
		}
	}
	return false
}
