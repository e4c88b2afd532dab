package client

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tecnicocursos/render-api/internal/config"
)

// SynthesizeRequest asks the TTS service for one narration clip
type SynthesizeRequest struct {
	Text      string  `json:"text"`
	VoiceID   string  `json:"voice_id,omitempty"`
	Language  string  `json:"language,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	OutputKey string  `json:"output_key"`
}

// SynthesizeResponse is the stored clip and its duration
type SynthesizeResponse struct {
	AudioRef   string `json:"audio_ref"`
	DurationMs int    `json:"duration_ms"`
}

// TTSClient calls the narration synthesis service
type TTSClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewTTSClient creates a TTS client throttled to cfg.RatePerSecond requests
func NewTTSClient(cfg *config.TTSConfig) *TTSClient {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &TTSClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Synthesize waits for a rate-limit slot, then requests the clip
func (c *TTSClient) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	var result SynthesizeResponse
	if err := postJSON(ctx, c.httpClient, "tts", c.baseURL+"/synthesize", headers, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the TTS service is available
func (c *TTSClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, "tts", c.baseURL)
}

// IsConfigured returns true if the client has valid configuration
func (c *TTSClient) IsConfigured() bool {
	return c.baseURL != ""
}
