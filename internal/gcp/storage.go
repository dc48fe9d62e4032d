package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// maxComposeSources is the GCS limit on sources per compose request.
const maxComposeSources = 32

// GCSStore is an object store backed by one GCS bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore returns a store over bucket.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), name: bucket}
}

// Bucket returns the bucket name.
func (s *GCSStore) Bucket() string { return s.name }

// List returns the names of all objects under prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", s.name, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Open streams an object.
func (s *GCSStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", s.name, name, err)
	}
	return r, nil
}

// Write creates an object only if it doesn't already exist. A second write of
// the same name keeps the first copy, so redelivered work is idempotent.
func (s *GCSStore) Write(ctx context.Context, name string, data []byte) error {
	writer := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType(name)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			slog.Info("Object already exists, skipping.", "object", name)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write of %s: %w", name, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat gs://%s/%s: %w", s.name, name, err)
	}
	return true, nil
}

// Remove deletes objects. Objects that are already gone are ignored.
func (s *GCSStore) Remove(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		err := s.bucket.Object(name).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Compose concatenates srcs into dst. More than 32 sources are composed in
// rounds through temporary objects, which are removed afterwards.
func (s *GCSStore) Compose(ctx context.Context, dst string, srcs []string) error {
	if len(srcs) == 0 {
		return fmt.Errorf("nothing to compose into %s", dst)
	}
	var temps []string
	defer func() {
		if len(temps) > 0 {
			if err := s.Remove(context.WithoutCancel(ctx), temps...); err != nil {
				slog.Warn("Failed to remove temporary compose objects.", "error", err)
			}
		}
	}()

	for round := 0; len(srcs) > maxComposeSources; round++ {
		var next []string
		for i := 0; i < len(srcs); i += maxComposeSources {
			part := srcs[i:min(i+maxComposeSources, len(srcs))]
			ext := path.Ext(dst)
			tmp := fmt.Sprintf("%s_compose_%d_%d%s", strings.TrimSuffix(dst, ext), round, i/maxComposeSources, ext)
			if err := s.composeOnce(ctx, tmp, part); err != nil {
				return err
			}
			temps = append(temps, tmp)
			next = append(next, tmp)
		}
		srcs = next
	}
	return s.composeOnce(ctx, dst, srcs)
}

func (s *GCSStore) composeOnce(ctx context.Context, dst string, srcs []string) error {
	handles := make([]*storage.ObjectHandle, len(srcs))
	for i, src := range srcs {
		handles[i] = s.bucket.Object(src)
	}
	composer := s.bucket.Object(dst).ComposerFrom(handles...)
	composer.ContentType = contentType(dst)
	if _, err := composer.Run(ctx); err != nil {
		return fmt.Errorf("failed to compose gs://%s/%s from %d objects: %w", s.name, dst, len(srcs), err)
	}
	return nil
}

// contentType returns text/<extension> for named files.
func contentType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return "application/octet-stream"
	}
	return "text/" + ext
}
