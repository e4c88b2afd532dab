package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/project"
)

// MaxAssetSize caps a single slide asset upload.
const MaxAssetSize = 20 * 1024 * 1024

var assetTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
	"video/mp4":  true,
	"video/webm": true,
}

// AssetService stores slide images and clips referenced by timelines.
type AssetService struct {
	storage  client.StorageClient
	projects project.Repository
	now      func() time.Time
}

func NewAssetService(storage client.StorageClient, projects project.Repository) *AssetService {
	return &AssetService{storage: storage, projects: projects, now: time.Now}
}

// AssetKey is the storage key of an uploaded asset.
func AssetKey(projectID, assetID string) string {
	return fmt.Sprintf("assets/%s/%s", projectID, assetID)
}

// Upload stores one asset under the project. Projects that do not exist yet
// accept uploads so a timeline can reference them on creation.
func (s *AssetService) Upload(ctx context.Context, callerID, projectID, contentType string, file io.Reader, size int64) (*model.AssetUploadResponse, error) {
	if !assetTypes[contentType] {
		return nil, invalid("Invalid file type. Supported: PNG, JPEG, WEBP, GIF, MP4, WEBM",
			map[string]string{"file": contentType})
	}
	if size > MaxAssetSize {
		return nil, invalid("File size exceeds 20MB limit", map[string]string{"file": "max"})
	}
	if err := s.checkWriter(ctx, callerID, projectID); err != nil {
		return nil, err
	}

	assetID := uuid.New().String()
	key := AssetKey(projectID, assetID)
	url, err := s.storage.Upload(ctx, key, file, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload asset: %w", err)
	}

	return &model.AssetUploadResponse{
		ID:          assetID,
		ProjectID:   projectID,
		ImageRef:    key,
		URL:         url,
		ContentType: contentType,
		SizeBytes:   size,
		CreatedAt:   s.now(),
	}, nil
}

// Delete removes an asset. Jobs already submitted keep rendering only if
// they finished asset preparation.
func (s *AssetService) Delete(ctx context.Context, callerID, projectID, assetID string) error {
	if err := s.checkWriter(ctx, callerID, projectID); err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, AssetKey(projectID, assetID)); err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return nil
}

func (s *AssetService) checkWriter(ctx context.Context, callerID, projectID string) error {
	proj, err := s.projects.Get(ctx, projectID)
	switch {
	case errors.Is(err, project.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to load project: %w", err)
	case proj.OwnerID != callerID:
		return ErrUnauthorized
	}
	return nil
}
