// Package bundle moves archived evidence between stores as a TAR file:
// one "blocks/<cid>" entry per object followed by manifest.json listing
// them and naming the interesting ones.
//
// Export is deterministic. Entries are sorted by CID and headers carry no
// time or owner, so the same objects always produce the same bytes.
package bundle

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/canonical"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

const (
	// FormatVersion is the manifest.json schema version.
	FormatVersion = 1

	manifestName = "manifest.json"
	blockDir     = "blocks/"
)

// Manifest describes the blocks of a bundle.
type Manifest struct {
	Version int     `json:"version"`
	Blocks  []Block `json:"blocks"`
	// Labels maps names such as "envelope" to block CIDs.
	Labels map[string]string `json:"labels,omitempty"`
}

type Block struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

// Label returns the CID stored under name.
func (m *Manifest) Label(name string) (cid.Cid, bool) {
	s, ok := m.Labels[name]
	if !ok {
		return cid.Undef, false
	}
	id, err := cid.Decode(s)
	return id, err == nil
}

// Export writes the objects ids from cas to w. Each label must name one of
// ids.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, ids []cid.Cid, labels map[string]cid.Cid) error {
	byName := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		byName[id.String()] = id
	}
	m := Manifest{Version: FormatVersion, Blocks: make([]Block, 0, len(byName)), Labels: make(map[string]string, len(labels))}
	for name, id := range labels {
		if _, ok := byName[id.String()]; name == "" || !ok {
			return fmt.Errorf("bundle: label %q does not name an exported block", name)
		}
		m.Labels[name] = id.String()
	}

	tw := tar.NewWriter(w)
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		data, err := cas.Get(ctx, byName[name])
		if err != nil {
			return fmt.Errorf("bundle: %s: %w", name, err)
		}
		if err := writeFile(tw, blockDir+name, data); err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, Block{CID: name, Size: len(data)})
	}
	manifest, err := canonical.Encode(m)
	if err != nil {
		return err
	}
	if err := writeFile(tw, manifestName, append(manifest, '\n')); err != nil {
		return err
	}
	return tw.Close()
}

func writeFile(tw *tar.Writer, name string, data []byte) error {
	err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatUSTAR,
	})
	if err == nil {
		_, err = tw.Write(data)
	}
	if err != nil {
		return fmt.Errorf("bundle: write %s: %w", name, err)
	}
	return nil
}

// Import copies every block of the bundle read from r into cas and returns
// the manifest. A block is stored only after it hashes to the CID in its
// name. Blocks written before a failure stay in cas.
func Import(ctx context.Context, r io.Reader, cas storage.CAS) (*Manifest, error) {
	tr := tar.NewReader(r)
	imported := map[string]int{}
	var m *Manifest
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bundle: %w", err)
		}
		name, ok := entryName(h.Name)
		if !ok || h.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("bundle: unexpected entry %q", h.Name)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", name, err)
		}
		if name == manifestName {
			m = &Manifest{}
			if err := json.Unmarshal(data, m); err != nil {
				return nil, fmt.Errorf("bundle: %s: %w", manifestName, err)
			}
			continue
		}
		id, err := blockCID(name)
		if err != nil {
			return nil, err
		}
		if _, dup := imported[id.String()]; dup {
			return nil, fmt.Errorf("bundle: duplicate block %s", id)
		}
		if err := storage.Check(id, data); err != nil {
			return nil, fmt.Errorf("bundle: block %s: %w", id, err)
		}
		if _, err := cas.Put(ctx, data); err != nil {
			return nil, fmt.Errorf("bundle: store %s: %w", id, err)
		}
		imported[id.String()] = len(data)
	}

	if m == nil {
		return nil, fmt.Errorf("bundle: missing %s", manifestName)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("bundle: unsupported version %d", m.Version)
	}
	for _, b := range m.Blocks {
		if size, ok := imported[b.CID]; !ok || size != b.Size {
			return nil, fmt.Errorf("bundle: manifest block %s missing from bundle", b.CID)
		}
	}
	if len(m.Blocks) != len(imported) {
		return nil, fmt.Errorf("bundle: %d blocks not listed in %s", len(imported)-len(m.Blocks), manifestName)
	}
	return m, nil
}

// entryName cleans a TAR entry name and rejects anything outside the
// bundle layout.
func entryName(raw string) (string, bool) {
	name := strings.TrimPrefix(raw, "./")
	if name == "" || strings.Contains(name, "\\") || path.Clean(name) != name {
		return "", false
	}
	if name == manifestName {
		return name, true
	}
	rest, ok := strings.CutPrefix(name, blockDir)
	return name, ok && rest != "" && !strings.Contains(rest, "/")
}

func blockCID(name string) (cid.Cid, error) {
	id, err := cid.Decode(strings.TrimPrefix(name, blockDir))
	if err != nil {
		return cid.Undef, fmt.Errorf("bundle: %s: %w", name, storage.ErrInvalidCID)
	}
	return id, nil
}
