package grpccas

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

// statusCodes pairs the storage sentinels with the codes that carry them.
var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{storage.ErrNotFound, codes.NotFound},
	{storage.ErrInvalidCID, codes.InvalidArgument},
	{storage.ErrCIDMismatch, codes.DataLoss},
	{storage.ErrImmutable, codes.AlreadyExists},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus converts a backend error into the status sent to clients.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range statusCodes {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus restores the storage sentinel a status stands for, keeping
// the daemon's message.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, m := range statusCodes {
		if st.Code() == m.code {
			if errors.Is(m.err, context.Canceled) || errors.Is(m.err, context.DeadlineExceeded) {
				return errors.Join(m.err, err)
			}
			return &remoteError{sentinel: m.err, msg: st.Message()}
		}
	}
	return err
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return "grpccas: daemon: " + e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
