package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockTTS stands in for the TTS service during development. Clip duration
// follows a fixed reading speed.
type MockTTS struct {
	Delay time.Duration
}

func (m *MockTTS) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if err := sleepCtx(ctx, m.Delay); err != nil {
		return nil, err
	}
	words := 1
	for _, r := range req.Text {
		if r == ' ' {
			words++
		}
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	// ~150 words per minute
	ms := int(float64(words) * 400 / speed)
	return &SynthesizeResponse{AudioRef: req.OutputKey, DurationMs: ms}, nil
}

// MockRenderer stands in for the rendering service during development.
type MockRenderer struct {
	Delay time.Duration
}

func (m *MockRenderer) Encode(ctx context.Context, req *EncodeRequest) (*EncodeResponse, error) {
	if err := sleepCtx(ctx, m.Delay); err != nil {
		return nil, err
	}
	w, h := req.Composition.Width, req.Composition.Height
	seconds := int64(req.Composition.DurationMs) / 1000
	return &EncodeResponse{
		ArtifactRef: req.OutputKey,
		SizeBytes:   seconds * int64(w*h) / 8,
		DurationMs:  int64(req.Composition.DurationMs),
		Metadata: map[string]string{
			"renderer": "mock",
			"codec":    string(req.Settings.Codec),
		},
	}, nil
}

// MemoryStorage keeps objects in memory. Used when R2 is not configured.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://render-assets"
	}
	return &MemoryStorage{objects: make(map[string][]byte), baseURL: baseURL}
}

func (s *MemoryStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return s.GetPublicURL(key), nil
}

func (s *MemoryStorage) Stat(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return 0, ErrObjectNotFound
	}
	return int64(len(data)), nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) GetSignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("%s?expires=%d", s.GetPublicURL(key), time.Now().Add(expiry).Unix()), nil
}

func (s *MemoryStorage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, key)
}

// Keys lists stored object keys.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
