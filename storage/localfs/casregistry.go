package localfs

import (
	"fmt"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "localfs",
		Description: "Local filesystem evidence archive (directory)",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		Options: []casregistry.Option{
			{Key: "dir", Usage: "directory holding archived evidence"},
		},
		Open: func(cfg map[string]string) (storage.CAS, func() error, error) {
			if cfg["dir"] == "" {
				return nil, nil, fmt.Errorf("localfs: option dir is required")
			}
			cas, err := New(cfg["dir"])
			return cas, nil, err
		},
	})
}
