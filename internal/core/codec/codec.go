package codec

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCorruptPayload is returned when stored data cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt session payload")
	// ErrUnknownCodec is returned by Registry.Lookup for unregistered names.
	ErrUnknownCodec = errors.New("unknown session codec")
)

// Codec encodes and decodes session payloads.
type Codec interface {
	// Name returns the identifier used in configuration.
	Name() string
	// Encode serializes payload into its stored text form.
	Encode(payload map[string]any) (string, error)
	// Decode parses stored text. Empty input yields an empty payload.
	Decode(data string) (map[string]any, error)
}

// Names of the built-in codecs.
const (
	NameMarshal = "marshal"
	NameJSON    = "json"
	NameHybrid  = "hybrid"
)

// Registry maps codec names to implementations.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry returns a registry holding the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(Marshal{})
	r.Register(JSON{})
	r.Register(Hybrid{})
	return r
}

// Register adds or replaces a codec under its own name.
func (r *Registry) Register(c Codec) {
	r.codecs[c.Name()] = c
}

// Lookup returns the codec registered under name.
func (r *Registry) Lookup(name string) (Codec, error) {
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Names lists registered codec names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func corrupt(format string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptPayload, format, err)
}
