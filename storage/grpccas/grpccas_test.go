package grpccas

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/localfs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/testkit"
)

func serveOn(t *testing.T, srv CASServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterCASServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	client, err := Dial("passthrough:///bufnet", DialOptions{Extra: []grpc.DialOption{grpc.WithContextDialer(dialer)}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Timeout = 2 * time.Second
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newClient(t *testing.T) (*Client, *localfs.CAS) {
	t.Helper()
	backing, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return serveOn(t, &Server{CAS: backing}), backing
}

func TestGRPCConformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		client, _ := newClient(t)
		return client
	})
}

func TestGRPCWritesThroughToBackend(t *testing.T) {
	ctx := context.Background()
	client, backing := newClient(t)

	id, err := client.Put(ctx, []byte("tsr bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := backing.Has(ctx, id); err != nil || !ok {
		t.Fatalf("backend Has(%s) = %v, %v", id, ok, err)
	}
}

// tamperingServer returns other bytes than were stored.
type tamperingServer struct{ UnimplementedCASServer }

func (tamperingServer) Put(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	id, _ := storage.Sum([]byte("not what you sent"))
	return wrapperspb.String(id.String()), nil
}

func (tamperingServer) Get(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	return wrapperspb.Bytes([]byte("tampered")), nil
}

func TestGRPCClientDistrustsDaemon(t *testing.T) {
	ctx := context.Background()
	client := serveOn(t, tamperingServer{})

	if _, err := client.Put(ctx, []byte("envelope")); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("Put: got %v want ErrCIDMismatch", err)
	}
	id, _ := storage.Sum([]byte("envelope"))
	if _, err := client.Get(ctx, id); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("Get: got %v want ErrCIDMismatch", err)
	}
	if _, err := client.Has(ctx, id); status.Code(err) != codes.Unimplemented {
		t.Fatalf("Has: got %v want Unimplemented", err)
	}
}

func TestGRPCInvalidCID(t *testing.T) {
	client, _ := newClient(t)
	_, err := client.rpc.Get(context.Background(), wrapperspb.String("not-a-cid"))
	if !errors.Is(fromStatus(err), storage.ErrInvalidCID) {
		t.Fatalf("Get(not-a-cid): got %v", err)
	}
}

func TestGRPCCallerDeadlineWins(t *testing.T) {
	client, _ := newClient(t)
	client.Timeout = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Get(ctx, cid.Undef); !errors.Is(err, storage.ErrInvalidCID) {
		t.Fatalf("Get(Undef): got %v", err)
	}
	id, _ := storage.Sum([]byte("x"))
	if _, err := client.Get(ctx, id); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get with canceled context: got %v want context.Canceled", err)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, want := range []error{storage.ErrNotFound, storage.ErrInvalidCID, storage.ErrCIDMismatch, storage.ErrImmutable, context.DeadlineExceeded} {
		if got := fromStatus(toStatus(want)); !errors.Is(got, want) {
			t.Fatalf("round trip of %v gave %v", want, got)
		}
	}
	if got := status.Code(toStatus(errors.New("disk full"))); got != codes.Internal {
		t.Fatalf("unknown error mapped to %v", got)
	}
	if toStatus(nil) != nil || fromStatus(nil) != nil {
		t.Fatalf("nil must map to nil")
	}
}

func TestRegisteredBackend(t *testing.T) {
	if _, _, err := casregistry.OpenWithConfig("grpc", casregistry.UsageCLI, nil); err == nil {
		t.Fatalf("expected error without target")
	}
	if _, _, err := casregistry.OpenWithConfig("grpc", casregistry.UsageDaemon, map[string]string{"target": "x:1"}); err == nil {
		t.Fatalf("grpc must not be offered to the daemon")
	}
	cas, closeFn, err := casregistry.OpenWithConfig("grpc", casregistry.UsageCLI, map[string]string{"target": "127.0.0.1:1", "timeout": "1s"})
	if err != nil {
		t.Fatalf("OpenWithConfig: %v", err)
	}
	defer closeFn()
	if got := cas.(*Client).Timeout; got != time.Second {
		t.Fatalf("timeout = %v", got)
	}
}
