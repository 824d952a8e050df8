package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/journal"
)

func TestReadWorkListFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paintings.txt")
	require.NoError(t, os.WriteFile(path, []byte("File:A.jpg\n\n  File:B.jpg  \n"), 0o600))

	wl, err := ReadWorkListFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"File:A.jpg", "File:B.jpg"}, wl.Titles)
	assert.Equal(t, "batch:paintings", wl.BatchTag)
}

func TestReadWorkListFile_Errors(t *testing.T) {
	_, err := ReadWorkListFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, errs.IsKind(err, errs.KindReadFile))

	long := filepath.Join(t.TempDir(), strings.Repeat("x", journal.MaxTagLen)+".txt")
	require.NoError(t, os.WriteFile(long, []byte("File:A.jpg\n"), 0o600))
	_, err = ReadWorkListFile(long)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestLoadWorkList(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	src := newFakeSource()
	src.add(1, "File:A.jpg", "aaaa")
	src.add(2, "File:B.jpg", "bbbb")
	_, err := j.Create(ctx, []string{"batch:old"}, 1, 10, "aaaa")
	require.NoError(t, err)

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "new.txt")
		require.NoError(t, os.WriteFile(path, []byte("File:B.jpg\n"), 0o600))
		wl, err := LoadWorkList(ctx, path, j, src)
		require.NoError(t, err)
		assert.Equal(t, []string{"File:B.jpg"}, wl.Titles)
		assert.Equal(t, "batch:new", wl.BatchTag)
	})

	t.Run("tag", func(t *testing.T) {
		wl, err := LoadWorkList(ctx, "batch:old", j, src)
		require.NoError(t, err)
		assert.Equal(t, []string{"File:A.jpg"}, wl.Titles)
		assert.Equal(t, "batch:old", wl.BatchTag)
	})

	t.Run("neither", func(t *testing.T) {
		_, err := LoadWorkList(ctx, "batch:unknown", j, src)
		assert.True(t, errs.IsKind(err, errs.KindConfig))
	})
}
