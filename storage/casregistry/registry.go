// Package casregistry lets evidence backends register themselves and be
// opened by name, from command line flags or from an entry of an evidence
// config file. A backend package registers in init and is linked into a
// binary with a blank import.
package casregistry

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"slices"
	"sync"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

var ErrUnknownBackend = errors.New("casregistry: unknown backend")

// Option is one configuration key of a backend. It is read from the config
// map under Key, or from the flag "<backend>-<Key>".
type Option struct {
	Key     string
	Default string
	Usage   string
}

// OpenFunc constructs a CAS. cfg holds every option key, with defaults
// filled in. The returned close function may be nil.
type OpenFunc func(cfg map[string]string) (storage.CAS, func() error, error)

type Backend struct {
	Name        string
	Description string
	Usage       Usage
	Options     []Option
	Open        OpenFunc
}

func (b Backend) check() error {
	switch {
	case b.Name == "":
		return errors.New("casregistry: backend without a name")
	case b.Open == nil:
		return fmt.Errorf("casregistry: backend %q has no Open func", b.Name)
	case b.Usage == 0:
		return fmt.Errorf("casregistry: backend %q is not offered to any program", b.Name)
	}
	return nil
}

// settings merges cfg over the option defaults. Unknown keys are an error
// so that a typo in a config file does not silently fall back to a default.
func (b Backend) settings(cfg map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(b.Options))
	for _, o := range b.Options {
		out[o.Key] = o.Default
	}
	for k, v := range cfg {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("casregistry: backend %q has no option %q", b.Name, k)
		}
		out[k] = v
	}
	return out, nil
}

var registry = struct {
	sync.RWMutex
	byName map[string]Backend
}{byName: map[string]Backend{}}

func Register(b Backend) error {
	if err := b.check(); err != nil {
		return err
	}
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.byName[b.Name]; dup {
		return fmt.Errorf("casregistry: backend %q registered twice", b.Name)
	}
	registry.byName[b.Name] = b
	return nil
}

// MustRegister calls Register and panics on error. Backend packages call it
// from init.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// Lookup returns the backend called name if it is offered to usage.
func Lookup(name string, usage Usage) (Backend, error) {
	registry.RLock()
	b, ok := registry.byName[name]
	registry.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
	if !b.Usage.allows(usage) {
		return Backend{}, fmt.Errorf("casregistry: backend %q is not available to %s", name, usage)
	}
	return b, nil
}

// List returns the backends offered to usage, sorted by name.
func List(usage Usage) []Backend {
	registry.RLock()
	defer registry.RUnlock()
	var out []Backend
	for _, b := range registry.byName {
		if b.Usage.allows(usage) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b Backend) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func Names(usage Usage) []string {
	var names []string
	for _, b := range List(usage) {
		names = append(names, b.Name)
	}
	return names
}

// OpenWithConfig opens the backend called name with the options in cfg.
func OpenWithConfig(name string, usage Usage, cfg map[string]string) (storage.CAS, func() error, error) {
	b, err := Lookup(name, usage)
	if err != nil {
		return nil, nil, err
	}
	settings, err := b.settings(cfg)
	if err != nil {
		return nil, nil, err
	}
	return b.Open(settings)
}

// Flags holds the option flags of every backend offered to one program.
type Flags struct {
	usage  Usage
	values map[string]map[string]*string
}

// RegisterFlags defines a "<backend>-<key>" flag on fs for every option of
// every backend offered to usage.
func RegisterFlags(fs *flag.FlagSet, usage Usage) *Flags {
	f := &Flags{usage: usage, values: map[string]map[string]*string{}}
	for _, b := range List(usage) {
		vals := make(map[string]*string, len(b.Options))
		for _, o := range b.Options {
			vals[o.Key] = fs.String(b.Name+"-"+o.Key, o.Default, o.Usage)
		}
		f.values[b.Name] = vals
	}
	return f
}

// Open opens the backend called name from its parsed flags.
func (f *Flags) Open(name string) (storage.CAS, func() error, error) {
	cfg := map[string]string{}
	for k, v := range f.values[name] {
		cfg[k] = *v
	}
	return OpenWithConfig(name, f.usage, cfg)
}
