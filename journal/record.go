package journal

import (
	"log/slog"
	"slices"
	"time"
)

// Column limits shared by every store.
const (
	MaxContentHashLen = 41
	MaxFingerprintLen = 61
	MaxCIDLen         = 57
	MaxTagLen         = 50
)

// State is the processing state derived from a record.
type State int

const (
	// StateNew means no record exists for the source item.
	StateNew State = iota
	StateFingerprintPending
	StateFingerprinted
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateFingerprintPending:
		return "FINGERPRINT_PENDING"
	case StateFingerprinted:
		return "FINGERPRINTED"
	case StateRegistered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

// Record is the journal entry for one source item.
type Record struct {
	ID               int64
	SourceItemID     int64
	SourceRevisionID int64
	ContentHash      string

	Fingerprint         *string
	FileSize            *int64
	Width               *int
	Height              *int
	DownloadDuration    *float64
	FingerprintDuration *float64

	RegisteredCID *string
	// SupersedesCID is the registration replaced by the next submission.
	SupersedesCID *string
	Tags          []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// State derives the state machine position of r. A nil record is StateNew.
func (r *Record) State() State {
	switch {
	case r == nil:
		return StateNew
	case r.RegisteredCID != nil:
		return StateRegistered
	case r.Fingerprint != nil:
		return StateFingerprinted
	default:
		return StateFingerprintPending
	}
}

// HasTag reports whether r carries label.
func (r *Record) HasTag(label string) bool {
	return slices.Contains(r.Tags, label)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fingerprint = clonePtr(r.Fingerprint)
	c.FileSize = clonePtr(r.FileSize)
	c.Width = clonePtr(r.Width)
	c.Height = clonePtr(r.Height)
	c.DownloadDuration = clonePtr(r.DownloadDuration)
	c.FingerprintDuration = clonePtr(r.FingerprintDuration)
	c.RegisteredCID = clonePtr(r.RegisteredCID)
	c.SupersedesCID = clonePtr(r.SupersedesCID)
	c.Tags = slices.Clone(r.Tags)
	return &c
}

// LogAttrs returns the fields worth logging, in a fixed order.
func (r *Record) LogAttrs() []slog.Attr {
	if r == nil {
		return []slog.Attr{slog.String("state", StateNew.String())}
	}
	attrs := []slog.Attr{
		slog.Int64("id", r.ID),
		slog.Int64("source_item_id", r.SourceItemID),
		slog.Int64("source_revision_id", r.SourceRevisionID),
		slog.String("content_hash", r.ContentHash),
		slog.String("state", r.State().String()),
	}
	if r.Fingerprint != nil {
		attrs = append(attrs, slog.String("fingerprint", *r.Fingerprint))
	}
	if r.FileSize != nil {
		attrs = append(attrs, slog.Int64("file_size", *r.FileSize))
	}
	if r.Width != nil && r.Height != nil {
		attrs = append(attrs, slog.Int("width", *r.Width), slog.Int("height", *r.Height))
	}
	if r.DownloadDuration != nil {
		attrs = append(attrs, slog.Float64("download_seconds", *r.DownloadDuration))
	}
	if r.FingerprintDuration != nil {
		attrs = append(attrs, slog.Float64("fingerprint_seconds", *r.FingerprintDuration))
	}
	if r.RegisteredCID != nil {
		attrs = append(attrs, slog.String("registered_cid", *r.RegisteredCID))
	}
	if r.SupersedesCID != nil {
		attrs = append(attrs, slog.String("supersedes_cid", *r.SupersedesCID))
	}
	if len(r.Tags) > 0 {
		attrs = append(attrs, slog.Any("tags", r.Tags))
	}
	attrs = append(attrs,
		slog.Time("created_at", r.CreatedAt),
		slog.Time("updated_at", r.UpdatedAt))
	return attrs
}

// Patch lists the mutable fields of a Record. Nil fields are left unchanged.
type Patch struct {
	SourceRevisionID *int64
	ContentHash      *string

	// ClearFingerprint resets the fingerprint and its metrics before the
	// other fields are applied.
	ClearFingerprint bool
	// Supersede moves RegisteredCID to SupersedesCID so the record is
	// submitted again.
	Supersede bool

	Fingerprint         *string
	FileSize            *int64
	Width               *int
	Height              *int
	DownloadDuration    *float64
	FingerprintDuration *float64
	RegisteredCID       *string

	AddTags []string
}

// IsEmpty reports whether p changes nothing but UpdatedAt.
func (p Patch) IsEmpty() bool {
	return p.SourceRevisionID == nil && p.ContentHash == nil && !p.ClearFingerprint && !p.Supersede &&
		p.Fingerprint == nil && p.FileSize == nil && p.Width == nil && p.Height == nil &&
		p.DownloadDuration == nil && p.FingerprintDuration == nil && p.RegisteredCID == nil &&
		len(p.AddTags) == 0
}

// validate checks column limits before any store is touched.
func (p Patch) validate() error {
	if p.ContentHash != nil {
		if err := checkLen("content hash", *p.ContentHash, MaxContentHashLen); err != nil {
			return err
		}
	}
	if p.Fingerprint != nil {
		if err := checkLen("fingerprint", *p.Fingerprint, MaxFingerprintLen); err != nil {
			return err
		}
	}
	if p.RegisteredCID != nil {
		if err := checkLen("registered cid", *p.RegisteredCID, MaxCIDLen); err != nil {
			return err
		}
	}
	_, err := normalizeTags(p.AddTags)
	return err
}

// apply writes p onto r and stamps UpdatedAt.
func (p Patch) apply(r *Record, now time.Time) {
	if p.ClearFingerprint {
		r.Fingerprint = nil
		r.FileSize = nil
		r.Width = nil
		r.Height = nil
		r.DownloadDuration = nil
		r.FingerprintDuration = nil
	}
	if p.Supersede && r.RegisteredCID != nil {
		r.SupersedesCID = r.RegisteredCID
		r.RegisteredCID = nil
	}
	if p.SourceRevisionID != nil {
		r.SourceRevisionID = *p.SourceRevisionID
	}
	if p.ContentHash != nil {
		r.ContentHash = *p.ContentHash
	}
	if p.Fingerprint != nil {
		r.Fingerprint = clonePtr(p.Fingerprint)
	}
	if p.FileSize != nil {
		r.FileSize = clonePtr(p.FileSize)
	}
	if p.Width != nil {
		r.Width = clonePtr(p.Width)
	}
	if p.Height != nil {
		r.Height = clonePtr(p.Height)
	}
	if p.DownloadDuration != nil {
		r.DownloadDuration = clonePtr(p.DownloadDuration)
	}
	if p.FingerprintDuration != nil {
		r.FingerprintDuration = clonePtr(p.FingerprintDuration)
	}
	if p.RegisteredCID != nil {
		r.RegisteredCID = clonePtr(p.RegisteredCID)
	}
	tags, _ := normalizeTags(p.AddTags)
	r.Tags = mergeTags(r.Tags, tags)
	r.UpdatedAt = now
}

// Preview returns a copy of r with p applied, as Update would store it,
// without touching any store. UpdatedAt is left as it was.
func (p Patch) Preview(r *Record) *Record {
	c := r.Clone()
	if c == nil {
		return nil
	}
	p.apply(c, r.UpdatedAt)
	return c
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
