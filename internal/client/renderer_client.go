package client

import (
	"context"
	"net/http"
	"time"

	"github.com/tecnicocursos/render-api/internal/config"
	"github.com/tecnicocursos/render-api/internal/model"
)

// EncodeRequest asks the renderer to produce the output artifact
type EncodeRequest struct {
	Composition model.Composition    `json:"composition"`
	Settings    model.RenderSettings `json:"settings"`
	OutputKey   string               `json:"output_key"`
}

// EncodeResponse describes the produced artifact
type EncodeResponse struct {
	ArtifactRef string            `json:"artifact_ref"`
	SizeBytes   int64             `json:"size_bytes"`
	DurationMs  int64             `json:"duration_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RendererClient calls the video rendering service
type RendererClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewRendererClient creates a new renderer client
func NewRendererClient(cfg *config.RendererConfig) *RendererClient {
	return &RendererClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Encode renders the composition. The renderer overwrites OutputKey if it already exists.
func (c *RendererClient) Encode(ctx context.Context, req *EncodeRequest) (*EncodeResponse, error) {
	var result EncodeResponse
	if err := postJSON(ctx, c.httpClient, "renderer", c.baseURL+"/encode", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the renderer is available
func (c *RendererClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, "renderer", c.baseURL)
}

// IsConfigured returns true if the client has valid configuration
func (c *RendererClient) IsConfigured() bool {
	return c.baseURL != ""
}
