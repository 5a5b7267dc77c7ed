package canvassync

import (
	"context"

	"github.com/adalundhe/easel/core/metadata"
)

// CreateCanvas registers a new canvas record. The first snapshot version is
// created lazily on first read.
func (s *Service) CreateCanvas(ctx context.Context, c metadata.Canvas) error {
	if err := s.meta.CreateCanvas(ctx, c); err != nil {
		return err
	}
	s.log.Info("created canvas", "canvas", c.ID, "uid", c.UID)
	return nil
}

// ListVersions returns the canvas's version index, oldest first.
func (s *Service) ListVersions(ctx context.Context, uid, canvasID string) ([]metadata.VersionRecord, error) {
	if _, err := s.resolveCanvas(ctx, uid, canvasID); err != nil {
		return nil, err
	}
	return s.meta.ListVersions(ctx, canvasID)
}

// DeleteCanvas soft-deletes the canvas. Version blobs stay in the store so
// the index remains resolvable for audit.
func (s *Service) DeleteCanvas(ctx context.Context, uid, canvasID string) error {
	if _, err := s.resolveCanvas(ctx, uid, canvasID); err != nil {
		return err
	}
	if err := s.meta.SoftDelete(ctx, canvasID); err != nil {
		return err
	}
	s.log.Info("deleted canvas", "canvas", canvasID)
	return nil
}
