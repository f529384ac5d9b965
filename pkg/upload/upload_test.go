package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/storage"
	"github.com/stretchr/testify/require"
)

// flakyStorage refuses to write anything whose name contains "bad"
type flakyStorage struct {
	storage.Storage
}

func (f *flakyStorage) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if strings.Contains(name, "bad") {
		return nil, errors.New("connection reset")
	}
	return f.Storage.WriteFile(ctx, name)
}

func makeFiles(t *testing.T, dir string, names ...string) []string {
	files := []string{}
	for _, name := range names {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(name), 0644))
		files = append(files, full)
	}
	return files
}

func TestFindFiles(t *testing.T) {
	dir := t.TempDir()
	makeFiles(t, dir, "a/1.jpg", "a/2.JPG", "b/c/3.jpg", "notes.txt", "4.png")
	files, err := FindFiles(dir, ".jpg")
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		require.True(t, strings.HasSuffix(strings.ToLower(f), ".jpg"))
	}
	files, err = FindFiles(dir, ".jpg", ".png")
	require.NoError(t, err)
	require.Len(t, files, 4)
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	src := t.TempDir()
	names := []string{}
	for i := 0; i < 7; i++ {
		names = append(names, fmt.Sprintf("f%v.jpg", i))
	}
	files := makeFiles(t, src, names...)

	dst, err := storage.NewStorageFS(log, t.TempDir())
	require.NoError(t, err)
	u := NewUploader(log, dst, 3, 3)
	u.Prefix = "dataset"
	report, err := u.Upload(ctx, files)
	require.NoError(t, err)
	require.Equal(t, 7, report.Uploaded)
	require.Equal(t, 0, report.NumMissed())
	require.Equal(t, []string{"batch_001", "batch_002", "batch_003"}, report.Batches)
	require.Equal(t, int64(7), u.UploadTime.Samples())

	objs, err := dst.List(ctx, "dataset/batch_003/")
	require.NoError(t, err)
	require.Equal(t, []string{"dataset/batch_003/f6.jpg"}, objs)
	b, err := storage.ReadFile(ctx, dst, "dataset/batch_001/f2.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("f2.jpg"), b)
}

func TestUploadMissedAndRetry(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	files := makeFiles(t, t.TempDir(), "ok1.jpg", "bad1.jpg", "ok2.jpg", "bad2.jpg", "ok3.jpg")
	fs, err := storage.NewStorageFS(log, t.TempDir())
	require.NoError(t, err)

	u := NewUploader(log, &flakyStorage{fs}, 2, 2)
	report, err := u.Upload(ctx, files)
	require.NoError(t, err)
	require.Equal(t, 3, report.Uploaded)
	require.Equal(t, map[string][]string{
		"batch_001": {files[1]},
		"batch_002": {files[3]},
	}, report.Missed)
	require.Equal(t, []string{files[1], files[3]}, report.MissedFiles())

	missedFile := filepath.Join(t.TempDir(), "missed_files.json")
	require.NoError(t, report.SaveMissed(missedFile))
	missed, err := LoadMissed(missedFile)
	require.NoError(t, err)
	require.Equal(t, report.Missed, missed)

	// Retry against a healthy store, and the files land in their original batches
	retry, err := NewUploader(log, fs, 2, 2).Retry(ctx, missed)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Uploaded)
	require.Equal(t, []string{"batch_001", "batch_002"}, retry.Batches)
	objs, err := fs.List(ctx, "batch_002/")
	require.NoError(t, err)
	require.Equal(t, []string{"batch_002/bad2.jpg", "batch_002/ok2.jpg"}, objs)
}

func TestUploadMissingLocalFile(t *testing.T) {
	log := logs.NewTestingLog(t)
	fs, err := storage.NewStorageFS(log, t.TempDir())
	require.NoError(t, err)
	report, err := NewUploader(log, fs, 4, 10).Upload(context.Background(), []string{"/nonexistent/x.jpg"})
	require.NoError(t, err)
	require.Equal(t, 0, report.Uploaded)
	require.Equal(t, []string{"/nonexistent/x.jpg"}, report.Missed["batch_001"])
}

func TestUploadKeepsRelativePaths(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	src := t.TempDir()
	files := makeFiles(t, src, "video1/frame_0001.jpg", "video2/frame_0001.jpg")
	fs, err := storage.NewStorageFS(log, t.TempDir())
	require.NoError(t, err)

	u := NewUploader(log, fs, 2, 10)
	u.Root = src
	report, err := u.Upload(ctx, files)
	require.NoError(t, err)
	require.Equal(t, 2, report.Uploaded)
	require.Equal(t, 0, report.NumMissed())
	b, err := storage.ReadFile(ctx, fs, "batch_001/video2/frame_0001.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("video2/frame_0001.jpg"), b)
}

func TestUploadNameCollision(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	files := makeFiles(t, t.TempDir(), "a/frame_0001.jpg", "b/frame_0001.jpg", "b/frame_0002.jpg")
	fs, err := storage.NewStorageFS(log, t.TempDir())
	require.NoError(t, err)

	// Without a root, both frame_0001.jpg files map to the same object
	report, err := NewUploader(log, fs, 2, 10).Upload(ctx, files)
	require.NoError(t, err)
	require.Equal(t, 2, report.Uploaded)
	require.Equal(t, map[string][]string{"batch_001": {files[1]}}, report.Missed)
	b, err := storage.ReadFile(ctx, fs, "batch_001/frame_0001.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("a/frame_0001.jpg"), b)
}
