package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	ctx := context.Background()
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, WriteFile(ctx, s, "frames/b.jpg", bytes.NewReader([]byte("bbb"))))
	require.NoError(t, WriteFile(ctx, s, "frames/a.jpg", bytes.NewReader([]byte("a"))))
	require.NoError(t, WriteFile(ctx, s, "frames/sub/c.jpg", bytes.NewReader([]byte("cc"))))
	require.NoError(t, WriteFile(ctx, s, "framesx/d.jpg", bytes.NewReader([]byte("d"))))

	names, err := s.List(ctx, "frames/")
	require.NoError(t, err)
	require.Equal(t, []string{"frames/a.jpg", "frames/b.jpg", "frames/sub/c.jpg"}, names)

	names, err = s.List(ctx, "frames")
	require.NoError(t, err)
	require.Len(t, names, 4)

	names, err = s.List(ctx, "nothing/here/")
	require.NoError(t, err)
	require.Empty(t, names)

	b, err := ReadFile(ctx, s, "frames/b.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("bbb"), b)

	_, err = s.ReadFile(ctx, "frames/missing.jpg")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.ReadFile(ctx, "../escape")
	require.ErrorIs(t, err, ErrInvalidName)

	require.NoError(t, s.DeleteFile(ctx, "framesx/d.jpg"))
	_, err = os.Stat(filepath.Join(s.Root, "framesx", "d.jpg"))
	require.True(t, os.IsNotExist(err))
}

func TestStorageFSMove(t *testing.T) {
	ctx := context.Background()
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, WriteFile(ctx, s, "src/x.jpg", bytes.NewReader([]byte("x"))))

	require.NoError(t, s.Move(ctx, "src/x.jpg", "work/batch/0/x.jpg"))
	b, err := ReadFile(ctx, s, "work/batch/0/x.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), b)

	// Retrying a completed move is fine
	require.NoError(t, s.Move(ctx, "src/x.jpg", "work/batch/0/x.jpg"))

	// But moving something that never existed is not
	require.ErrorIs(t, s.Move(ctx, "src/y.jpg", "work/y.jpg"), ErrNotFound)
}
