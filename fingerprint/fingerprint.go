// Package fingerprint computes ISCC codes by running an external tool.
package fingerprint

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Prefix starts every ISCC code.
const Prefix = "ISCC:"

// DefaultCommand is used when no command is configured.
var DefaultCommand = []string{"iscc-sdk", "gen"}

// Generator produces a fingerprint for a local file.
type Generator interface {
	Generate(ctx context.Context, path string) (string, error)
}

// Command runs Args with the file path appended and takes the last
// non-empty line of standard output as the code.
type Command struct {
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ Generator = (*Command)(nil)

// NewCommand splits a whitespace separated command line.
func NewCommand(commandLine string, timeout time.Duration, logger *slog.Logger) *Command {
	args := strings.Fields(commandLine)
	if len(args) == 0 {
		args = DefaultCommand
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Command{
		Args:    args,
		Timeout: timeout,
		Logger:  logger.With(slog.String("component", "fingerprint")),
	}
}

func (c *Command) Generate(ctx context.Context, path string) (string, error) {
	if len(c.Args) == 0 {
		return "", fmt.Errorf("fingerprint: no command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	args := append(append([]string(nil), c.Args[1:]...), path)
	cmd := exec.CommandContext(ctx, c.Args[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	c.Logger.Info("generating fingerprint", slog.String("path", path))
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	c.Logger.Debug("fingerprint done", slog.Duration("elapsed", time.Since(start)))

	code := lastLine(stdout.String())
	if !strings.HasPrefix(code, Prefix) {
		return "", fmt.Errorf("fingerprint %s: output %q is not an ISCC code", path, code)
	}
	return code, nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
