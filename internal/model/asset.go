package model

import "time"

// AssetUploadResponse describes a stored slide asset. ImageRef is the value
// to put in Slide.ImageRef or SlideMedia.Ref.
type AssetUploadResponse struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	ImageRef    string    `json:"imageRef"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}
