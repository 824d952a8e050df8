package grpccas

import (
	"context"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

// Server exposes a storage.CAS over the evidence CAS service. Calls run
// under the RPC context, so a client that gives up stops the backend work.
type Server struct {
	UnimplementedCASServer
	CAS storage.CAS
}

var errNoBackend = status.Error(codes.FailedPrecondition, "grpccas: server has no backend")

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s.CAS == nil {
		return nil, errNoBackend
	}
	id, err := s.CAS.Put(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := storage.Check(id, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s.CAS == nil {
		return nil, errNoBackend
	}
	id, err := parseCID(in.GetValue())
	if err != nil {
		return nil, err
	}
	data, err := s.CAS.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s.CAS == nil {
		return nil, errNoBackend
	}
	id, err := parseCID(in.GetValue())
	if err != nil {
		return nil, err
	}
	ok, err := s.CAS.Has(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

func parseCID(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, toStatus(storage.ErrInvalidCID)
	}
	return id, nil
}
