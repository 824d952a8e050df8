// Command evidence-casd serves an evidence archive backend over gRPC so
// several supplier hosts can archive to one place.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/config"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/grpccas"

	_ "github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/localfs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("evidence-casd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "CAS backend name")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	maxMsg := fs.Int("max-msg-bytes", 0, "Maximum gRPC message size (0 = gRPC default)")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logFormat := fs.String("log-format", "text", "text or json")

	backendFlags := casregistry.RegisterFlags(fs, casregistry.UsageDaemon)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *listBackends {
		for _, b := range casregistry.List(casregistry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(out, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}
	level, err := config.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --log-level: %v\n", err)
		return 2
	}
	logger := config.SetupLogger(errOut, level, *logFormat)

	cas, closeFn, err := backendFlags.Open(*backend)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if closeFn != nil {
		defer closeFn()
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("evidence-casd listening", slog.String("addr", lis.Addr().String()), slog.String("backend", *backend))
	if err := serve(ctx, lis, cas, logger, *maxMsg); err != nil {
		logger.Error("serve failed", slog.Any("error", err))
		return 1
	}
	return 0
}

// serve answers CAS requests on lis until ctx is done, then drains
// in-flight calls.
func serve(ctx context.Context, lis net.Listener, cas storage.CAS, logger *slog.Logger, maxMsg int) error {
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary(logger))}
	if maxMsg > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(maxMsg), grpc.MaxSendMsgSize(maxMsg))
	}
	s := grpc.NewServer(opts...)
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas})

	stopOnDone := context.AfterFunc(ctx, s.GracefulStop)
	defer stopOnDone()
	return s.Serve(lis)
}

// logUnary logs every call; expected misses are debug, other failures warn.
func logUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		switch code {
		case codes.OK, codes.NotFound, codes.AlreadyExists:
		default:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}
		logger.LogAttrs(ctx, level, "rpc", attrs...)
		return resp, err
	}
}
