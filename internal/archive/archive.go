// Package archive keeps the raw vendor payloads behind every harvested
// page so listings can be reparsed without refetching. Names come from
// the content hasher, so archiving an unchanged page again is a no-op.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/clock"
	"github.com/JakeFAU/carharvest/internal/hash/sha256"
)

// BlobStore is implemented by the local, gcs and memory stores.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Archive names payloads and hands them to a BlobStore.
type Archive struct {
	store  BlobStore
	clock  clock.Clock
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New builds an Archive.
func New(store BlobStore, clk clock.Clock, logger *zap.Logger) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clk == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{store: store, clock: clk, hasher: sha256.New(), logger: logger.Named("archive")}, nil
}

// ObjectName returns where body is stored for source.
func (a *Archive) ObjectName(source string, body []byte) string {
	return a.hasher.ObjectName(source, a.clock.Now(), body)
}

// Archive stores body under its content name.
func (a *Archive) Archive(ctx context.Context, source string, body []byte) error {
	if source == "" {
		return fmt.Errorf("archive source is required")
	}
	name := a.ObjectName(source, body)
	uri, err := a.store.PutObject(ctx, name, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	a.logger.Debug("payload archived", zap.String("uri", uri), zap.Int("bytes", len(body)))
	return nil
}
