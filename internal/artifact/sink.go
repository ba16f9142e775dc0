// Package artifact downloads generated images and persists them to a blob
// store under deterministic names.
package artifact

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/hash/sha256"
	"github.com/JakeFAU/genfleet/internal/metrics"
)

// Downloader resolves an artifact source into bytes.
type Downloader interface {
	Fetch(ctx context.Context, src string) (Download, error)
}

// SinkConfig controls how artifacts are written.
type SinkConfig struct {
	// ContentType overrides the downloaded content type when set.
	ContentType string
}

// Sink implements farm.ArtifactSink on top of a blob store.
type Sink struct {
	cfg    SinkConfig
	fetch  Downloader
	store  farm.BlobStore
	hasher farm.Hasher
	logger *zap.Logger
}

// NewSink wires a Sink. A nil hasher defaults to SHA-256.
func NewSink(cfg SinkConfig, fetch Downloader, store farm.BlobStore, hasher farm.Hasher, logger *zap.Logger) *Sink {
	if hasher == nil {
		hasher = sha256.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		cfg:    cfg,
		fetch:  fetch,
		store:  store,
		hasher: hasher,
		logger: logger.Named("artifact"),
	}
}

// Save downloads and stores every artifact, numbering them from 1 in page
// order. Individual failures are logged and skipped. The call fails only
// when nothing could be stored.
func (s *Sink) Save(ctx context.Context, item farm.WorkItem, artifacts []farm.Artifact) ([]string, error) {
	var (
		uris    []string
		lastErr error
	)
	for i, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return uris, fmt.Errorf("save canceled: %w", err)
		}
		uri, err := s.saveOne(ctx, item, i+1, a)
		if err != nil {
			lastErr = err
			s.logger.Warn("artifact not saved",
				zap.String("item_source", item.Key.Source),
				zap.Int("row", item.Key.Row),
				zap.Int("seq", i+1),
				zap.Error(err),
			)
			continue
		}
		uris = append(uris, uri)
	}
	if len(uris) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no artifacts")
		}
		return nil, fmt.Errorf("%w: %w", farm.ErrTransientTask, lastErr)
	}
	return uris, nil
}

func (s *Sink) saveOne(ctx context.Context, item farm.WorkItem, seq int, a farm.Artifact) (string, error) {
	d, err := s.fetch.Fetch(ctx, a.Source)
	if err != nil {
		return "", err
	}
	digest, err := s.hasher.Hash(d.Body)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	contentType := s.cfg.ContentType
	if contentType == "" {
		contentType = d.ContentType
	}
	objectPath := ObjectPath(item.SourceName, FileName(item.DataRow, item.Prompt, seq))
	uri, err := s.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(d.Body))
	if err != nil {
		metrics.ObserveArtifactStored("error")
		return "", fmt.Errorf("store %s: %w", objectPath, err)
	}
	metrics.ObserveArtifactStored("ok")
	s.logger.Debug("artifact stored",
		zap.String("uri", uri),
		zap.Int("bytes", len(d.Body)),
		zap.String("sha256", sha256.Short(digest, 12)),
	)
	return uri, nil
}

// Exists reports whether the first image of an item is already stored,
// which is how earlier runs that lost their done marker are detected.
func Exists(ctx context.Context, store farm.BlobStore, item farm.WorkItem) (bool, error) {
	return store.Exists(ctx, ObjectPath(item.SourceName, FileName(item.DataRow, item.Prompt, 1)))
}
