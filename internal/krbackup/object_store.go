package krbackup

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

var ErrObjectNotFound = xerrors.New("object not found")

// ObjectInfo describes a stored object as returned by a listing.
type ObjectInfo struct {
	Key      string
	Metadata map[string]string
	Size     int64
	Updated  time.Time
}

// ObjectStore is a minimal blob store that snapshots are written to.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error

	// Get returns ErrObjectNotFound if no object exists at key.
	Get(ctx context.Context, key string) ([]byte, error)

	List(ctx context.Context, prefix string) ([]*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
