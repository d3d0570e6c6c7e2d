package krbackup

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSObjectStore implements ObjectStore on a GCP storage bucket. The bucket is
// created out-of-band.
type GCSObjectStore struct {
	bucket        string
	logger        *logrus.Logger
	name          string
	storageClient *storage.Client

	// All for purposes of testability.
	storageDeleter func(ctx context.Context, bucket, key string) error
	storageLister  func(ctx context.Context, bucket, prefix string) ([]*ObjectInfo, error)
	storageReader  func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	storageWriter  func(ctx context.Context, bucket, key, contentType string, metadata map[string]string) io.WriteCloser
}

// NewGCSObjectStore builds a store for bucket. When serviceAccountJSON is
// empty, application default credentials are used.
func NewGCSObjectStore(ctx context.Context, logger *logrus.Logger, serviceAccountJSON, bucket string,
	opts ...option.ClientOption,
) (*GCSObjectStore, error) {
	if serviceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("error creating storage client: %w", err)
	}
	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// Always retries, even for non-idempotent operations.
		storage.WithPolicy(storage.RetryAlways),
	)

	return &GCSObjectStore{
		bucket:        bucket,
		logger:        logger,
		name:          reflect.TypeOf(GCSObjectStore{}).Name(),
		storageClient: storageClient,
		storageDeleter: func(ctx context.Context, bucket, key string) error {
			return storageClient.Bucket(bucket).Object(key).Delete(ctx) //nolint:wrapcheck
		},
		storageLister: func(ctx context.Context, bucket, prefix string) ([]*ObjectInfo, error) {
			return listObjects(ctx, storageClient.Bucket(bucket), prefix)
		},
		storageReader: func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
			return storageClient.Bucket(bucket).Object(key).NewReader(ctx) //nolint:wrapcheck
		},
		storageWriter: func(ctx context.Context, bucket, key, contentType string, metadata map[string]string) io.WriteCloser {
			writer := storageClient.Bucket(bucket).Object(key).NewWriter(ctx)
			writer.ContentType = contentType
			writer.Metadata = metadata
			return writer
		},
	}, nil
}

func (s *GCSObjectStore) Close() error {
	if err := s.storageClient.Close(); err != nil {
		return xerrors.Errorf("error closing storage client: %w", err)
	}
	return nil
}

func (s *GCSObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.storageDeleter(ctx, s.bucket, key); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrObjectNotFound
		}
		return xerrors.Errorf("error deleting object %q: %w", key, err)
	}

	s.logger.Debugf(s.name+": Deleted object %q", key)
	return nil
}

func (s *GCSObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.storageReader(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}

		return nil, xerrors.Errorf("error getting key reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, xerrors.Errorf("error reading object %q: %w", key, err)
	}

	return data, nil
}

func (s *GCSObjectStore) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	infos, err := s.storageLister(ctx, s.bucket, prefix)
	if err != nil {
		return nil, xerrors.Errorf("error listing objects under %q: %w", prefix, err)
	}
	return infos, nil
}

func (s *GCSObjectStore) Put(ctx context.Context, key string, data []byte, contentType string,
	metadata map[string]string,
) error {
	writer := s.storageWriter(ctx, s.bucket, key, contentType, metadata)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return xerrors.Errorf("error writing object %q: %w", key, err)
	}

	if err := writer.Close(); err != nil {
		return xerrors.Errorf("error closing writer: %w", err)
	}

	return nil
}

func listObjects(ctx context.Context, bucket *storage.BucketHandle, prefix string) ([]*ObjectInfo, error) {
	var infos []*ObjectInfo

	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err //nolint:wrapcheck
		}

		infos = append(infos, &ObjectInfo{
			Key:      attrs.Name,
			Metadata: attrs.Metadata,
			Size:     attrs.Size,
			Updated:  attrs.Updated,
		})
	}

	return infos, nil
}
