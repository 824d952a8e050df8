package casconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"
	_ "github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/localfs"
)

func TestParseValidates(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		ok   bool
	}{
		{name: "single", doc: `{"backends":[{"name":"localfs","config":{"dir":"/tmp"}}]}`, ok: true},
		{name: "no backends", doc: `{"backends":[]}`},
		{name: "missing name", doc: `{"backends":[{"config":{}}]}`},
		{name: "duplicate id", doc: `{"backends":[{"name":"localfs"},{"name":"localfs"}]}`},
		{name: "aliased duplicates", doc: `{"backends":[{"name":"localfs"},{"name":"localfs","id":"b"}]}`, ok: true},
		{name: "bad policy", doc: `{"write_policy":"some","backends":[{"name":"localfs"}]}`},
		{name: "not json", doc: `backends:`},
		{name: "unknown field", doc: `{"backends":[{"name":"localfs"}],"writePolicy":"all"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestOpenPolicies(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	backends := fmt.Sprintf(`[{"name":"localfs","id":"a","config":{"dir":%q}},{"name":"localfs","id":"b","config":{"dir":%q}}]`, a, b)

	for _, tt := range []struct {
		policy string
		want   storage.WritePolicy
	}{
		{policy: "", want: storage.WriteFirst},
		{policy: "first", want: storage.WriteFirst},
		{policy: "all", want: storage.WriteAll},
	} {
		t.Run("policy "+tt.policy, func(t *testing.T) {
			cfg, err := Parse([]byte(fmt.Sprintf(`{"write_policy":%q,"backends":%s}`, tt.policy, backends)))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			cas, closeFn, err := cfg.Open(casregistry.UsageCLI)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer closeFn()
			set, ok := cas.(*storage.Set)
			if !ok {
				t.Fatalf("got %T want *storage.Set", cas)
			}
			if set.Policy != tt.want || len(set.Backends) != 2 || set.Backends[1].Name != "b" {
				t.Fatalf("unexpected set %+v", set)
			}
			if _, err := cas.Put(context.Background(), []byte(tt.policy+"evidence")); err != nil {
				t.Fatalf("Put: %v", err)
			}
		})
	}

	single, err := Parse([]byte(fmt.Sprintf(`{"backends":[{"name":"localfs","config":{"dir":%q}}]}`, a)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cas, closeFn, err := single.Open(casregistry.UsageCLI)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	if _, ok := cas.(*storage.Set); ok {
		t.Fatalf("a single backend should not be wrapped")
	}
}

func TestLoadFileAndOpenErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.json")
	if err := os.WriteFile(path, []byte(`{"backends":[{"name":"nope"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, _, err := cfg.Open(casregistry.UsageCLI); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	if _, err := LoadFile(""); err == nil {
		t.Fatalf("expected empty path error")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
