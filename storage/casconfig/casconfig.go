// Package casconfig opens the evidence archive described by a JSON file,
// the file EVIDENCE_CONFIG names.
//
//	{
//	  "write_policy": "all",
//	  "backends": [
//	    {"name": "localfs", "config": {"dir": "/var/lib/commons-supplier/evidence"}},
//	    {"name": "grpc", "id": "offsite", "config": {"target": "evidence.internal:7777"}}
//	  ]
//	}
//
// With "first", the default, only the first backend is written. With "all"
// every backend is written and must acknowledge the CID. Reads try the
// backends in order either way.
package casconfig

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"
)

type Config struct {
	WritePolicy storage.WritePolicy `json:"write_policy,omitempty"`
	Backends    []BackendConfig     `json:"backends"`
}

// BackendConfig is one entry of Backends. Name selects the registered
// backend; ID tells two entries of the same backend apart and defaults to
// Name.
type BackendConfig struct {
	Name   string            `json:"name"`
	ID     string            `json:"id,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

func (b BackendConfig) label() string { return cmp.Or(b.ID, b.Name) }

func LoadFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("casconfig: no config file given")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("casconfig: %w", err)
	}
	return Parse(b)
}

// Parse decodes a config document and validates it. Unknown fields are
// rejected.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("casconfig: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("casconfig: no backends configured")
	}
	labels := make([]string, 0, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("casconfig: backend %d has no name", i)
		}
		if slices.Contains(labels, b.label()) {
			return fmt.Errorf("casconfig: backend id %q used twice", b.label())
		}
		labels = append(labels, b.label())
	}
	return nil
}

// Open opens every backend in order and combines them per WritePolicy. A
// single backend is returned as is. The returned function closes whatever
// was opened, last first.
func (c Config) Open(usage casregistry.Usage) (storage.CAS, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	set := &storage.Set{Policy: c.WritePolicy}
	var closers []func() error
	closeAll := func() error {
		var errList []error
		for _, closeFn := range slices.Backward(closers) {
			errList = append(errList, closeFn())
		}
		return errors.Join(errList...)
	}
	for _, b := range c.Backends {
		cas, closeFn, err := casregistry.OpenWithConfig(b.Name, usage, b.Config)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("casconfig: backend %q: %w", b.label(), err)
		}
		set.Backends = append(set.Backends, storage.Backend{Name: b.label(), CAS: cas})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}
	if len(set.Backends) == 1 {
		return set.Backends[0].CAS, closeAll, nil
	}
	return set, closeAll, nil
}
