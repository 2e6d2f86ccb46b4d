package objectstore

import "context"

// NoOp is a BlobStore that holds no objects. Used in dry-run deployments
// where no object-store credentials are available.
type NoOp struct{}

func (NoOp) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func (NoOp) Exists(ctx context.Context, name string) (bool, error) { return false, nil }

func (NoOp) Copy(ctx context.Context, src, dst string) error { return nil }

func (NoOp) ReadText(ctx context.Context, name string) (string, error) { return "", nil }
