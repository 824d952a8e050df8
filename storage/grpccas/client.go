package grpccas

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

// Client implements storage.CAS against an evidence-casd daemon. The
// daemon is not trusted: acknowledgements and returned objects are checked
// against the CID locally.
type Client struct {
	cc  *grpc.ClientConn
	rpc CASClient

	// Timeout bounds each call whose context carries no deadline.
	Timeout time.Duration
}

var _ storage.CAS = (*Client)(nil)

type DialOptions struct {
	// MaxMsgBytes sets both send and receive limits when non-zero.
	MaxMsgBytes int

	// Extra options, used by tests to install an in-memory dialer.
	Extra []grpc.DialOption
}

// Dial creates a client for target. The connection is established lazily
// on the first call.
func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if n := opts.MaxMsgBytes; n > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(n), grpc.MaxCallSendMsgSize(n)))
	}
	cc, err := grpc.NewClient(target, append(dialOpts, opts.Extra...)...)
	if err != nil {
		return nil, fmt.Errorf("grpccas: dial %s: %w", target, err)
	}
	return &Client{cc: cc, rpc: NewCASClient(cc)}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	want, err := storage.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	reply, err := c.rpc.Put(ctx, wrapperspb.Bytes(data))
	if err != nil {
		return cid.Undef, fromStatus(err)
	}
	got, err := cid.Decode(reply.GetValue())
	if err != nil {
		return cid.Undef, fmt.Errorf("grpccas: daemon acknowledged %q: %w", reply.GetValue(), storage.ErrInvalidCID)
	}
	if !got.Equals(want) {
		return cid.Undef, fmt.Errorf("grpccas: daemon acknowledged %s for %s: %w", got, want, storage.ErrCIDMismatch)
	}
	return want, nil
}

func (c *Client) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	reply, err := c.rpc.Get(ctx, wrapperspb.String(id.String()))
	if err != nil {
		return nil, fromStatus(err)
	}
	if err := storage.Check(id, reply.GetValue()); err != nil {
		return nil, fmt.Errorf("grpccas: get %s: %w", id, err)
	}
	return reply.GetValue(), nil
}

func (c *Client) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	reply, err := c.rpc.Has(ctx, wrapperspb.String(id.String()))
	if err != nil {
		return false, fromStatus(err)
	}
	return reply.GetValue(), nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}
