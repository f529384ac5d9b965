package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/perfstats"
	"github.com/cyclopcam/surgset/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// Uploader copies local files into a blob store, split into batches of
// FilesPerBatch files. Batch n lives under <Prefix>/batch_<n>/.
// Inside a batch, a file keeps its path relative to Root, or just its base name if Root is empty.
type Uploader struct {
	Concurrency   int
	FilesPerBatch int
	Prefix        string
	Root          string

	// Time taken by each successful upload
	UploadTime perfstats.TimeAccumulator

	log logs.Log
	dst storage.Storage
}

// Report of an upload. Missed maps batch names to the local files that did not make it.
type Report struct {
	Uploaded int                 `json:"uploaded"`
	Batches  []string            `json:"batches"`
	Missed   map[string][]string `json:"missed"`
}

// NumMissed is the total number of files that failed to upload
func (r *Report) NumMissed() int {
	n := 0
	for _, files := range r.Missed {
		n += len(files)
	}
	return n
}

// MissedFiles returns all missed files, sorted
func (r *Report) MissedFiles() []string {
	all := []string{}
	for _, files := range r.Missed {
		all = append(all, files...)
	}
	sort.Strings(all)
	return all
}

func NewUploader(log logs.Log, dst storage.Storage, concurrency, filesPerBatch int) *Uploader {
	return &Uploader{
		Concurrency:   max(concurrency, 1),
		FilesPerBatch: max(filesPerBatch, 1),
		log:           log,
		dst:           dst,
	}
}

// BatchName is the name of the n-th batch (counting from zero)
func BatchName(n int) string {
	return fmt.Sprintf("batch_%03d", n+1)
}

func (u *Uploader) objectName(batch, file string) string {
	name := filepath.Base(file)
	if u.Root != "" {
		if rel, err := filepath.Rel(u.Root, file); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			name = filepath.ToSlash(rel)
		}
	}
	return path.Join(u.Prefix, batch, name)
}

// Split the files of a batch into those with unique object names, and those whose
// object name was already taken by an earlier file of the batch.
func (u *Uploader) splitCollisions(b batchFiles) (unique, collided []string) {
	taken := map[string]string{}
	for _, file := range b.files {
		name := u.objectName(b.name, file)
		if first, ok := taken[name]; ok {
			u.log.Warnf("Not uploading %v, because %v is already uploaded as %v", file, first, name)
			collided = append(collided, file)
			continue
		}
		taken[name] = file
		unique = append(unique, file)
	}
	return
}

// Upload all files. A file that fails to upload does not stop the others; it is
// recorded in Report.Missed instead. After uploading, every batch is listed, and
// any file that is not present is also recorded as missed. A file whose object name
// collides with an earlier file of the same batch is never uploaded, and is missed.
// The returned error is only for failures of the whole upload.
func (u *Uploader) Upload(ctx context.Context, files []string) (*Report, error) {
	batches := []batchFiles{}
	for start := 0; start < len(files); start += u.FilesPerBatch {
		end := min(start+u.FilesPerBatch, len(files))
		batches = append(batches, batchFiles{
			name:  BatchName(len(batches)),
			files: files[start:end],
		})
	}
	return u.run(ctx, batches)
}

// Retry uploads the missed files of an earlier Report into their original batches
func (u *Uploader) Retry(ctx context.Context, missed map[string][]string) (*Report, error) {
	names := []string{}
	for name := range missed {
		names = append(names, name)
	}
	sort.Strings(names)
	batches := []batchFiles{}
	for _, name := range names {
		if len(missed[name]) != 0 {
			batches = append(batches, batchFiles{name: name, files: missed[name]})
		}
	}
	return u.run(ctx, batches)
}

type batchFiles struct {
	name  string
	files []string
}

func (u *Uploader) run(ctx context.Context, batches []batchFiles) (*Report, error) {
	report := &Report{
		Batches: []string{},
		Missed:  map[string][]string{},
	}
	total := 0
	for i, b := range batches {
		report.Batches = append(report.Batches, b.name)
		unique, collided := u.splitCollisions(b)
		if len(collided) != 0 {
			report.Missed[b.name] = collided
		}
		batches[i].files = unique
		total += len(unique)
	}

	var nDone atomic.Int64
	var g errgroup.Group
	g.SetLimit(u.Concurrency)
	for _, b := range batches {
		for _, file := range b.files {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				if err := u.uploadFile(ctx, file, u.objectName(b.name, file)); err != nil {
					u.log.Warnf("Failed to upload %v: %v", file, err)
					return nil
				}
				if n := nDone.Add(1); n%1000 == 0 {
					u.log.Infof("Uploaded %v/%v files", n, total)
				}
				return nil
			})
		}
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Verify
	for _, b := range batches {
		prefix := path.Join(u.Prefix, b.name) + "/"
		objects, err := u.dst.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("Failed to list %v: %w", prefix, err)
		}
		present := map[string]bool{}
		for _, obj := range objects {
			present[obj] = true
		}
		for _, file := range b.files {
			if present[u.objectName(b.name, file)] {
				report.Uploaded++
			} else {
				report.Missed[b.name] = append(report.Missed[b.name], file)
			}
		}
	}
	u.log.Infof("Uploaded %v files in %v batches, %v missed (average %.0f ms per file)",
		report.Uploaded, len(report.Batches), report.NumMissed(), u.UploadTime.Average().Seconds()*1000)
	return report, nil
}

func (u *Uploader) uploadFile(ctx context.Context, file, name string) error {
	start := time.Now()
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := storage.WriteFile(ctx, u.dst, name, f); err != nil {
		return err
	}
	u.UploadTime.AddSample(time.Since(start))
	return nil
}

// FindFiles returns every file under dir whose extension is one of exts (eg ".jpg"), sorted
func FindFiles(dir string, exts ...string) ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		for _, e := range exts {
			if ext == strings.ToLower(e) {
				files = append(files, p)
				break
			}
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// SaveMissed writes Report.Missed as JSON, so that a later run can retry just those files
func (r *Report) SaveMissed(filename string) error {
	j, err := json.MarshalIndent(r.Missed, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, j, 0644)
}

// LoadMissed reads a file written by SaveMissed
func LoadMissed(filename string) (map[string][]string, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	missed := map[string][]string{}
	if err := json.Unmarshal(raw, &missed); err != nil {
		return nil, fmt.Errorf("Error parsing %v: %w", filename, err)
	}
	return missed, nil
}
