// Package krbackup snapshots the message store to object storage and restores
// it from there.
package krbackup

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krmetrics"
	"github.com/koradi/koradi/internal/krstore"
)

const (
	DefaultCompressionLevel = 3
	DefaultPrefix           = "message-backups"
	DefaultRetentionDays    = 30

	snapshotContentType = "application/zstd+json"
	snapshotKeyLayout   = "20060102_150405"
	snapshotKeyPrefix   = "backup_"
	snapshotKeySuffix   = ".json.zst"
)

type Config struct {
	// zstd level, 1 (fastest) through 22 (best).
	CompressionLevel int

	// Snapshots are written under "<Prefix>/".
	Prefix string

	// Snapshots older than this are deleted after each backup. Zero keeps
	// everything.
	RetentionDays int
}

// Metrics describes a completed backup.
type Metrics struct {
	CompressedSize  int
	CompressionTime time.Duration
	Key             string
	MessageCount    int
	NumDeleted      int
	OriginalSize    int
	UploadTime      time.Duration
}

func (m *Metrics) CompressionRatio() float64 {
	if m.CompressedSize == 0 {
		return 0
	}
	return float64(m.OriginalSize) / float64(m.CompressedSize)
}

type Backup struct {
	config  *Config
	logger  *logrus.Logger
	name    string
	objects ObjectStore
	store   krstore.MessageStore
	timeNow func() time.Time
}

func NewBackup(logger *logrus.Logger, store krstore.MessageStore, objects ObjectStore, config *Config) *Backup {
	if config == nil {
		config = &Config{}
	}
	if config.CompressionLevel == 0 {
		config.CompressionLevel = DefaultCompressionLevel
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}

	return &Backup{
		config:  config,
		logger:  logger,
		name:    reflect.TypeOf(Backup{}).Name(),
		objects: objects,
		store:   store,
		timeNow: time.Now,
	}
}

// Perform writes a compressed snapshot of every message, then removes
// snapshots past retention.
func (b *Backup) Perform(ctx context.Context) (*Metrics, error) {
	messages, err := b.store.ExportAll(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error exporting messages: %w", err)
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return nil, xerrors.Errorf("error marshaling messages: %w", err)
	}

	compressionStart := time.Now()
	compressed, err := compress(data, b.config.CompressionLevel)
	if err != nil {
		return nil, err
	}
	compressionTime := time.Since(compressionStart)

	key := b.snapshotKey(b.timeNow())

	uploadStart := time.Now()
	err = b.objects.Put(ctx, key, compressed, snapshotContentType, map[string]string{
		"compressed_size": strconv.Itoa(len(compressed)),
		"message_count":   strconv.Itoa(len(messages)),
		"original_size":   strconv.Itoa(len(data)),
	})
	if err != nil {
		return nil, xerrors.Errorf("error uploading snapshot: %w", err)
	}
	uploadTime := time.Since(uploadStart)

	numDeleted, err := b.cleanup(ctx)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		CompressedSize:  len(compressed),
		CompressionTime: compressionTime,
		Key:             key,
		MessageCount:    len(messages),
		NumDeleted:      numDeleted,
		OriginalSize:    len(data),
		UploadTime:      uploadTime,
	}, nil
}

// Restore replaces the store's contents with the snapshot at key and returns
// the number of messages loaded.
func (b *Backup) Restore(ctx context.Context, key string) (int, error) {
	compressed, err := b.objects.Get(ctx, key)
	if err != nil {
		return 0, xerrors.Errorf("error downloading snapshot %q: %w", key, err)
	}

	data, err := decompress(compressed)
	if err != nil {
		return 0, err
	}

	var messages []*krstore.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return 0, xerrors.Errorf("error decoding snapshot %q: %w", key, err)
	}

	if err := b.store.ReplaceAll(ctx, messages); err != nil {
		return 0, xerrors.Errorf("error loading snapshot %q: %w", key, err)
	}

	b.logger.WithFields(logrus.Fields{
		"key":          key,
		"num_messages": len(messages),
	}).Infof(b.name+": Restored %d message(s) from %q", len(messages), key)

	return len(messages), nil
}

// RestoreLatest restores the newest snapshot. If there are none it does
// nothing and returns an empty key.
func (b *Backup) RestoreLatest(ctx context.Context) (string, int, error) {
	snapshots, err := b.Snapshots(ctx)
	if err != nil {
		return "", 0, err
	}

	if len(snapshots) < 1 {
		b.logger.Infof(b.name+": No snapshots under %q; nothing to restore", b.config.Prefix)
		return "", 0, nil
	}

	key := snapshots[0].Key
	numMessages, err := b.Restore(ctx, key)
	if err != nil {
		return "", 0, err
	}

	return key, numMessages, nil
}

// Snapshots lists snapshots under the configured prefix, newest first.
// Unrelated objects sharing the prefix are ignored.
func (b *Backup) Snapshots(ctx context.Context) ([]*ObjectInfo, error) {
	objects, err := b.objects.List(ctx, b.config.Prefix+"/")
	if err != nil {
		return nil, xerrors.Errorf("error listing snapshots: %w", err)
	}

	snapshots := make([]*ObjectInfo, 0, len(objects))
	for _, object := range objects {
		if b.isSnapshotKey(object.Key) {
			snapshots = append(snapshots, object)
		}
	}

	// Keys embed a sortable timestamp, so key order is creation order.
	slices.SortFunc(snapshots, func(x, y *ObjectInfo) bool { return x.Key > y.Key })
	return snapshots, nil
}

func (b *Backup) cleanup(ctx context.Context) (int, error) {
	if b.config.RetentionDays <= 0 {
		return 0, nil
	}

	snapshots, err := b.Snapshots(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := b.timeNow().Add(-time.Duration(b.config.RetentionDays) * 24 * time.Hour)

	var numDeleted int
	for _, snapshot := range snapshots {
		if !snapshot.Updated.Before(cutoff) {
			continue
		}

		if err := b.objects.Delete(ctx, snapshot.Key); err != nil {
			if xerrors.Is(err, ErrObjectNotFound) {
				continue
			}
			return numDeleted, xerrors.Errorf("error deleting old snapshot %q: %w", snapshot.Key, err)
		}
		numDeleted++
	}

	return numDeleted, nil
}

func (b *Backup) isSnapshotKey(key string) bool {
	name, ok := strings.CutPrefix(key, b.config.Prefix+"/")
	return ok && strings.HasPrefix(name, snapshotKeyPrefix) && strings.HasSuffix(name, snapshotKeySuffix)
}

func (b *Backup) snapshotKey(t time.Time) string {
	return b.config.Prefix + "/" + snapshotKeyPrefix + t.UTC().Format(snapshotKeyLayout) + snapshotKeySuffix
}

func logMetrics(logger *logrus.Logger, name string, metrics *Metrics) {
	krmetrics.BackupCompressedBytes.Set(float64(metrics.CompressedSize))

	logger.WithFields(logrus.Fields{
		"compressed_size":     metrics.CompressedSize,
		"compression_ratio":   metrics.CompressionRatio(),
		"compression_time_ms": metrics.CompressionTime.Milliseconds(),
		"key":                 metrics.Key,
		"message_count":       metrics.MessageCount,
		"num_deleted":         metrics.NumDeleted,
		"original_size":       metrics.OriginalSize,
		"upload_time_ms":      metrics.UploadTime.Milliseconds(),
	}).Infof(name+": Backed up %d message(s) to %q (%s -> %s)",
		metrics.MessageCount, metrics.Key,
		humanize.Bytes(uint64(metrics.OriginalSize)), humanize.Bytes(uint64(metrics.CompressedSize)))
}

func compress(data []byte, level int) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, xerrors.Errorf("error creating zstd encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, xerrors.Errorf("error creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	decompressed, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, xerrors.Errorf("error decompressing snapshot: %w", err)
	}

	return decompressed, nil
}
