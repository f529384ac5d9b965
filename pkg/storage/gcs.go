package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/iterator"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	log        logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucketName string) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	return &StorageGCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

func (s *StorageGCS) Close() error {
	return s.client.Close()
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	w := s.bucket.Object(name).NewWriter(ctx)
	return w, nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%v/%v", ErrNotFound, s.bucketName, name)
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	s.log.Infof("Deleting gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).Delete(ctx)
}

func (s *StorageGCS) List(ctx context.Context, prefix string) ([]string, error) {
	names := []string{}
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to list gs://%v/%v: %w", s.bucketName, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// GCS has no rename, so we copy and then delete the source.
// If we die between the copy and the delete, a retry finds both objects,
// copies again (harmless), and deletes the source.
func (s *StorageGCS) Move(ctx context.Context, src, dst string) error {
	srcObj := s.bucket.Object(src)
	dstObj := s.bucket.Object(dst)
	if _, err := srcObj.Attrs(ctx); errors.Is(err, gcs.ErrObjectNotExist) {
		if _, errDst := dstObj.Attrs(ctx); errDst == nil {
			// Already moved
			return nil
		}
		return fmt.Errorf("%w: gs://%v/%v", ErrNotFound, s.bucketName, src)
	} else if err != nil {
		return err
	}
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		return fmt.Errorf("Failed to copy gs://%v/%v to %v: %w", s.bucketName, src, dst, err)
	}
	if err := srcObj.Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("Failed to delete gs://%v/%v after copy: %w", s.bucketName, src, err)
	}
	return nil
}
