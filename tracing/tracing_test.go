package tracing

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(&buf, "commons-supplier", "1.2.3")
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "declaration.submit")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"declaration.submit"`)
	assert.Contains(t, out, "service.name")
	assert.Contains(t, out, "commons-supplier")
}

func TestOpenFile(t *testing.T) {
	p, err := OpenFile("", "commons-supplier", "dev")
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	path := filepath.Join(t.TempDir(), "spans.jsonl")
	for _, name := range []string{"first", "second"} {
		p, err := OpenFile(path, "commons-supplier", "dev")
		require.NoError(t, err)
		_, span := p.Tracer("test").Start(context.Background(), name)
		span.End()
		require.NoError(t, p.Shutdown(context.Background()))
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Name":"first"`)
	assert.Contains(t, string(b), `"Name":"second"`, "later runs append")

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing", "spans.jsonl"), "commons-supplier", "dev")
	assert.Error(t, err)
}
