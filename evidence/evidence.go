// Package evidence archives what was submitted for a declaration: the
// envelope exactly as posted and each raw time-stamp request and response,
// tied together by a canonical JSON index. Everything is content-addressed,
// so the index CID alone is enough to retrieve and re-verify a submission.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/canonical"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/declaration"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/bundle"
)

// IndexVersion is the schema version written to new indexes.
const IndexVersion = 1

// Index ties the archived objects of one submission together. It holds no
// wall-clock time so archiving the same result twice yields the same CID.
type Index struct {
	Version       int     `json:"version"`
	SourceItemID  int64   `json:"sourceItemId,omitempty"`
	DeclarationID string  `json:"declarationId"`
	PayloadCID    string  `json:"payloadCid"`
	RegistryCID   string  `json:"registryCid,omitempty"`
	Dry           bool    `json:"dry,omitempty"`
	Envelope      string  `json:"envelope"`
	Stamps        []Stamp `json:"stamps,omitempty"`
}

// Stamp locates the raw proof of one signature.
type Stamp struct {
	// Signature is "public" or "registry".
	Signature string `json:"signature"`
	TSQ       string `json:"tsq"`
	TSR       string `json:"tsr"`
}

// Archive writes and reads evidence in a storage.CAS.
type Archive struct {
	cas    storage.CAS
	logger *slog.Logger
}

func NewArchive(cas storage.CAS, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archive{cas: cas, logger: logger.With(slog.String("component", "evidence"))}
}

// Store archives res and returns the CID of its index.
func (a *Archive) Store(ctx context.Context, sourceItemID int64, res *declaration.Result) (cid.Cid, error) {
	if res == nil || res.Envelope == nil {
		return cid.Undef, errs.New(errs.KindInternal, "archive evidence", "result has no envelope")
	}
	env := res.Envelope
	envJSON, err := json.Marshal(env)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindEncoding, "archive evidence", "marshal envelope", err)
	}
	envID, err := a.put(ctx, "envelope", envJSON)
	if err != nil {
		return cid.Undef, err
	}

	idx := Index{
		Version:       IndexVersion,
		SourceItemID:  sourceItemID,
		DeclarationID: res.DeclarationID,
		PayloadCID:    res.PayloadCID,
		RegistryCID:   res.CID,
		Dry:           env.TSASignature == nil,
		Envelope:      envID.String(),
	}
	proofs, err := env.Proofs()
	if err != nil {
		return cid.Undef, err
	}
	for _, sp := range proofs {
		which := "registry"
		if sp.Signature == env.Signature {
			which = "public"
		}
		tsq, err := a.put(ctx, which+" tsq", sp.Proof.Request)
		if err != nil {
			return cid.Undef, err
		}
		tsr, err := a.put(ctx, which+" tsr", sp.Proof.Response)
		if err != nil {
			return cid.Undef, err
		}
		idx.Stamps = append(idx.Stamps, Stamp{Signature: which, TSQ: tsq.String(), TSR: tsr.String()})
	}

	b, err := canonical.Encode(idx)
	if err != nil {
		return cid.Undef, err
	}
	id, err := a.put(ctx, "index", b)
	if err != nil {
		return cid.Undef, err
	}
	a.logger.Info("evidence archived",
		slog.String("declaration_id", res.DeclarationID),
		slog.String("evidence_cid", id.String()),
		slog.Int("stamps", len(idx.Stamps)))
	return id, nil
}

func (a *Archive) put(ctx context.Context, what string, b []byte) (cid.Cid, error) {
	id, err := a.cas.Put(ctx, b)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindInternal, "archive evidence", "store "+what, err)
	}
	return id, nil
}

// Load returns the index stored under id and the envelope it names.
func (a *Archive) Load(ctx context.Context, id cid.Cid) (*Index, *declaration.Envelope, error) {
	idx, err := a.index(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	envID, err := cid.Decode(idx.Envelope)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindEncoding, "load evidence", "invalid envelope cid", err)
	}
	b, err := a.cas.Get(ctx, envID)
	if err != nil {
		return nil, nil, fmt.Errorf("load envelope %s: %w", envID, err)
	}
	var env declaration.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, nil, errs.Wrap(errs.KindEncoding, "load evidence", "invalid envelope", err)
	}
	return idx, &env, nil
}

func (a *Archive) index(ctx context.Context, id cid.Cid) (*Index, error) {
	b, err := a.cas.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load evidence %s: %w", id, err)
	}
	var idx Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, errs.Wrap(errs.KindEncoding, "load evidence", "invalid index", err)
	}
	if idx.Version != IndexVersion {
		return nil, errs.Newf(errs.KindEncoding, "load evidence", "unsupported index version %d", idx.Version)
	}
	return &idx, nil
}

// Export writes the index id and every object it names as a bundle.
func (a *Archive) Export(ctx context.Context, w io.Writer, id cid.Cid) error {
	idx, err := a.index(ctx, id)
	if err != nil {
		return err
	}
	refs := map[string]string{"index": id.String(), "envelope": idx.Envelope}
	for _, s := range idx.Stamps {
		refs[s.Signature+".tsq"] = s.TSQ
		refs[s.Signature+".tsr"] = s.TSR
	}
	labels := make(map[string]cid.Cid, len(refs))
	ids := make([]cid.Cid, 0, len(refs))
	for name, s := range refs {
		c, err := cid.Decode(s)
		if err != nil {
			return errs.Wrap(errs.KindEncoding, "export evidence", "invalid cid for "+name, err)
		}
		labels[name] = c
		ids = append(ids, c)
	}
	if err := bundle.Export(ctx, w, a.cas, ids, labels); err != nil {
		return errs.Wrap(errs.KindInternal, "export evidence", id.String(), err)
	}
	return nil
}

// Import stores the evidence bundle read from r, as written by Export, and
// returns the CID of its index after checking the index loads.
func (a *Archive) Import(ctx context.Context, r io.Reader) (cid.Cid, error) {
	m, err := bundle.Import(ctx, r, a.cas)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindEncoding, "import evidence", "read bundle", err)
	}
	id, ok := m.Label("index")
	if !ok {
		return cid.Undef, errs.New(errs.KindEncoding, "import evidence", "bundle has no index label")
	}
	idx, _, err := a.Load(ctx, id)
	if err != nil {
		return cid.Undef, err
	}
	a.logger.Info("evidence imported",
		slog.String("declaration_id", idx.DeclarationID),
		slog.String("evidence_cid", id.String()),
		slog.Int("blocks", len(m.Blocks)))
	return id, nil
}
