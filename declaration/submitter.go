// Package declaration assembles, signs, time-stamps and submits declarations
// to the CommonsDB registry.
//
// A submission signs two payloads: the public metadata and the reduced
// registry metadata. Each signature token (not the payload) is time-stamped
// by a TSA. Registry POSTs are spaced by a Limiter; TSA calls are not.
package declaration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/cidutil"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/jws"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/keys"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/tsp"
)

const (
	// Product is the User-Agent product token.
	Product = "commonsdb-commons-supplier"
	// TracerName names the tracer of Submitter spans.
	TracerName = "commons-supplier/declaration"

	DefaultIDVersion  = "01"
	DefaultRegistryID = "000001"

	maxResponseBody = 1 << 20
)

// Options configures a Submitter.
type Options struct {
	Endpoint string
	APIKey   string
	// UserAgent defaults to Product + "/dev".
	UserAgent string

	// DeclarerID defaults to the member credential subject.
	DeclarerID      string
	SchemaURL       string
	ContextURL      string
	MetadataVersion int

	// IDVersion and RegistryID are hex strings feeding DeclarationID.
	IDVersion  string
	RegistryID string

	// MinInterval is the minimum spacing between registry POSTs.
	MinInterval time.Duration

	// Dry builds and signs the envelope but contacts neither the TSA nor
	// the registry.
	Dry bool
}

// Timestamper obtains an RFC 3161 proof for data.
type Timestamper interface {
	Timestamp(ctx context.Context, data []byte) (tsp.Proof, error)
}

// Recorder receives submission metrics.
type Recorder interface {
	Submission(result string)
	TimestampCall(result string)
	LimiterWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Submission(string)         {}
func (nopRecorder) TimestampCall(string)      {}
func (nopRecorder) LimiterWait(time.Duration) {}

// Submission results reported to the Recorder.
const (
	ResultRegistered = "registered"
	ResultNoCID      = "no_cid"
	ResultRejected   = "rejected"
	ResultError      = "error"
	ResultDry        = "dry"
)

// Result is the outcome of a submission.
type Result struct {
	// CID is the registry's cidV1; empty for dry runs and for success
	// responses that carry none.
	CID           string
	Envelope      *Envelope
	DeclarationID string
	// PayloadCID is BuildCID of the public metadata.
	PayloadCID string
}

// Submitter turns an Input into a registry submission.
type Submitter struct {
	opts       Options
	cred       *keys.Credential
	signer     *jws.Signer
	tsa        Timestamper
	httpClient *http.Client
	limiter    *Limiter
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    Recorder
	now        func() time.Time
}

// Option customises a Submitter.
type Option func(*Submitter)

func WithHTTPClient(c *http.Client) Option { return func(s *Submitter) { s.httpClient = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Submitter) { s.logger = l } }
func WithLimiter(l *Limiter) Option { return func(s *Submitter) { s.limiter = l } }
func WithRecorder(r Recorder) Option { return func(s *Submitter) { s.metrics = r } }
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Submitter) { s.tracer = tp.Tracer(TracerName) }
}

// New returns a Submitter. tsa may be nil only for dry runs.
func New(opts Options, cred *keys.Credential, signer *jws.Signer, tsa Timestamper, options ...Option) (*Submitter, error) {
	if cred == nil {
		return nil, errs.New(errs.KindConfig, "new submitter", "member credential is required")
	}
	if signer == nil {
		return nil, errs.New(errs.KindConfig, "new submitter", "signer is required")
	}
	if !opts.Dry {
		if opts.Endpoint == "" {
			return nil, errs.New(errs.KindConfig, "new submitter", "registry endpoint is required")
		}
		if tsa == nil {
			return nil, errs.New(errs.KindConfig, "new submitter", "timestamp authority is required")
		}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = Product + "/dev"
	}
	if opts.IDVersion == "" {
		opts.IDVersion = DefaultIDVersion
	}
	if opts.RegistryID == "" {
		opts.RegistryID = DefaultRegistryID
	}

	s := &Submitter{
		opts:       opts,
		cred:       cred,
		signer:     signer,
		tsa:        tsa,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		tracer:     noop.NewTracerProvider().Tracer(TracerName),
		metrics:    nopRecorder{},
		now:        time.Now,
	}
	for _, o := range options {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = NewLimiter(opts.MinInterval)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With(slog.String("component", "submitter"))
	return s, nil
}

// Submit builds the envelope for in and, unless running dry, time-stamps
// both signatures and posts the envelope to the registry.
func (s *Submitter) Submit(ctx context.Context, in Input) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "declaration.submit", trace.WithAttributes(
		attribute.String("declaration.iscc", in.Fingerprint),
		attribute.Bool("declaration.dry", s.opts.Dry),
	))
	defer span.End()

	res, err := s.submit(ctx, in)
	switch {
	case err == nil && s.opts.Dry:
		s.metrics.Submission(ResultDry)
	case err == nil && res.CID == "":
		s.metrics.Submission(ResultNoCID)
	case err == nil:
		s.metrics.Submission(ResultRegistered)
		span.SetAttributes(attribute.String("declaration.cid", res.CID))
	case errs.IsKind(err, errs.KindSubmissionRejected):
		s.metrics.Submission(ResultRejected)
	default:
		s.metrics.Submission(ResultError)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
	}
	return res, err
}

func (s *Submitter) submit(ctx context.Context, in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	timestamp := s.now().UnixMilli()
	public := s.publicMetadata(in, timestamp)
	registry := s.registryMetadata(in, timestamp)

	payloadCID, err := cidutil.BuildCID(public)
	if err != nil {
		return nil, err
	}
	declID, err := DeclarationID(s.opts.IDVersion, s.opts.RegistryID, payloadCID)
	if err != nil {
		return nil, err
	}

	publicSig, err := s.signer.Sign(public)
	if err != nil {
		return nil, err
	}
	registrySig, err := s.signer.Sign(registry)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		MetaInternal: MetaInternal{
			CompanyID:     s.cred.SubjectID,
			DeclarerID:    s.declarerID(),
			ISCCCode:      in.Fingerprint,
			DeclarationID: declID,
			CID:           payloadCID,
		},
		Signature: publicSig,
		DeclarationMetadata: Metadata{
			PublicMetadata:    public,
			CommonsDBRegistry: registry,
		},
		CommonsDBRegistrySignature: registrySig,
	}
	res := &Result{Envelope: env, DeclarationID: declID, PayloadCID: payloadCID}

	if s.opts.Dry {
		s.logger.Info("dry run, declaration not sent",
			slog.String("declaration_id", declID),
			slog.String("payload_cid", payloadCID))
		return res, nil
	}

	publicProof, registryProof, err := s.timestampBoth(ctx, publicSig, registrySig)
	if err != nil {
		return nil, err
	}
	pe := publicProof.Encode()
	env.TSASignature = &pe
	env.CommonsDBRegistryTSASignature = []tsp.EncodedProof{registryProof.Encode()}

	waited, err := s.limiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}
	if waited > 0 {
		s.logger.Debug("waited for rate limit", slog.Duration("wait", waited))
	}
	s.metrics.LimiterWait(waited)

	cid, err := s.post(ctx, env)
	if err != nil {
		return nil, err
	}
	res.CID = cid
	return res, nil
}

func (s *Submitter) timestampBoth(ctx context.Context, publicSig, registrySig string) (tsp.Proof, tsp.Proof, error) {
	var publicProof, registryProof tsp.Proof
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.timestamp(gctx, publicSig)
		publicProof = p
		return err
	})
	g.Go(func() error {
		p, err := s.timestamp(gctx, registrySig)
		registryProof = p
		return err
	})
	if err := g.Wait(); err != nil {
		return tsp.Proof{}, tsp.Proof{}, err
	}
	return publicProof, registryProof, nil
}

func (s *Submitter) timestamp(ctx context.Context, token string) (tsp.Proof, error) {
	p, err := s.tsa.Timestamp(ctx, []byte(token))
	if err != nil {
		s.metrics.TimestampCall(ResultError)
		if !errs.IsKind(err, errs.KindTimestamp) {
			err = errs.Wrap(errs.KindTimestamp, "timestamp", "TSA request failed", err)
		}
		return tsp.Proof{}, err
	}
	s.metrics.TimestampCall("ok")
	return p, nil
}

// registryResponse covers the success and error bodies the registry sends.
type registryResponse struct {
	CIDV1            string            `json:"cidV1"`
	ValidationErrors []json.RawMessage `json:"validationErrors"`
	Message          json.RawMessage   `json:"message"`
	Error            json.RawMessage   `json:"error"`
}

func (s *Submitter) post(ctx context.Context, env *Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", errs.Wrap(errs.KindEncoding, "submit", "cannot serialize envelope", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("submit: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	s.logger.Info("sending declaration",
		slog.String("endpoint", s.opts.Endpoint),
		slog.String("declaration_id", env.MetaInternal.DeclarationID))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: POST %s: %w", s.opts.Endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return "", fmt.Errorf("submit: read response: %w", err)
	}
	if len(raw) > maxResponseBody {
		return "", fmt.Errorf("submit: registry response (status %d) exceeds %d bytes", resp.StatusCode, maxResponseBody)
	}
	s.logger.Debug("registry response",
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(raw)))

	var parsed registryResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		details := rejectionDetails(parsed, decodeErr, raw)
		s.logger.Warn("registry rejected declaration",
			slog.Int("status", resp.StatusCode),
			slog.Any("details", details))
		return "", errs.Rejected(resp.StatusCode, details)
	}

	if decodeErr != nil || parsed.CIDV1 == "" {
		s.logger.Warn("registry response carries no cidV1",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)))
		return "", nil
	}
	return parsed.CIDV1, nil
}

func rejectionDetails(parsed registryResponse, decodeErr error, raw []byte) []string {
	if decodeErr != nil {
		if text := string(bytes.TrimSpace(raw)); text != "" {
			return []string{text}
		}
		return nil
	}
	var details []string
	for _, v := range parsed.ValidationErrors {
		details = append(details, rawText(v))
	}
	if len(details) > 0 {
		return details
	}
	for _, v := range []json.RawMessage{parsed.Message, parsed.Error} {
		if len(v) > 0 && string(v) != "null" {
			details = append(details, rawText(v))
		}
	}
	return details
}

// rawText returns a JSON string's value, or the raw JSON of anything else.
func rawText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}
