package grpccas

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "grpc",
		Description: "evidence-casd daemon over gRPC",
		Usage:       casregistry.UsageCLI,
		Options: []casregistry.Option{
			{Key: "target", Usage: "gRPC target host:port"},
			{Key: "timeout", Default: "30s", Usage: "per-RPC timeout"},
			{Key: "max-msg-bytes", Default: "0", Usage: "max message size in bytes; 0 uses grpc defaults"},
		},
		Open: func(cfg map[string]string) (storage.CAS, func() error, error) {
			target := strings.TrimSpace(cfg["target"])
			if target == "" {
				return nil, nil, fmt.Errorf("grpccas: option target is required")
			}
			timeout, err := time.ParseDuration(cfg["timeout"])
			if err != nil {
				return nil, nil, fmt.Errorf("grpccas: invalid timeout %q: %w", cfg["timeout"], err)
			}
			maxMsg, err := strconv.Atoi(cfg["max-msg-bytes"])
			if err != nil {
				return nil, nil, fmt.Errorf("grpccas: invalid max-msg-bytes %q: %w", cfg["max-msg-bytes"], err)
			}
			client, err := Dial(target, DialOptions{MaxMsgBytes: maxMsg})
			if err != nil {
				return nil, nil, err
			}
			client.Timeout = timeout
			return client, client.Close, nil
		},
	})
}
