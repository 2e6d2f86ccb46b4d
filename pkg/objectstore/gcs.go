// Package objectstore wraps the Cloud Storage operations the fanout engine
// needs: prefix listing, existence checks, server-side copies, and small
// text reads.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// BlobStore is the object-store surface consumed by the fanout engine.
type BlobStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, name string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	ReadText(ctx context.Context, name string) (string, error)
}

// GCS implements BlobStore against one bucket.
type GCS struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCS opens a client for the given bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCS{bucket: client.Bucket(bucket), name: bucket}, nil
}

// Bucket returns the bucket name, for building gs:// URLs.
func (g *GCS) Bucket() string {
	return g.name
}

// List returns the object names under a prefix.
func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: strings.TrimPrefix(prefix, "/")})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
}

// Exists reports whether an object is present.
func (g *GCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.bucket.Object(strings.TrimPrefix(name, "/")).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}

// Copy performs a server-side copy within the bucket.
func (g *GCS) Copy(ctx context.Context, src, dst string) error {
	srcObj := g.bucket.Object(strings.TrimPrefix(src, "/"))
	dstObj := g.bucket.Object(strings.TrimPrefix(dst, "/"))
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

// ReadText downloads an object as a string. Missing objects return
// storage.ErrObjectNotExist wrapped.
func (g *GCS) ReadText(ctx context.Context, name string) (string, error) {
	r, err := g.bucket.Object(strings.TrimPrefix(name, "/")).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return string(data), nil
}
