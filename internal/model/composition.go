package model

// Composition is the renderer-ready description of a video.
type Composition struct {
	JobID      string             `json:"jobId"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	FPS        int                `json:"fps"`
	DurationMs int                `json:"durationMs"`
	Avatar     *Avatar            `json:"avatar,omitempty"`
	Background *Background        `json:"background,omitempty"`
	Scenes     []CompositionScene `json:"scenes"`
}

// CompositionScene places one slide on the output timeline.
type CompositionScene struct {
	SlideID    string      `json:"slideId"`
	StartMs    int         `json:"startMs"`
	DurationMs int         `json:"durationMs"`
	ImageURL   string      `json:"imageUrl"`
	AudioRef   string      `json:"audioRef,omitempty"`
	Transition Transition  `json:"transition"`
	Overlays   []Overlay   `json:"overlays,omitempty"`
	Media      *SlideMedia `json:"media,omitempty"`
}

// PreparedAsset is a slide asset resolved by asset preparation.
type PreparedAsset struct {
	SlideID  string `json:"slideId"`
	ImageURL string `json:"imageUrl"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// NarrationClip is the synthesized audio for one slide.
type NarrationClip struct {
	SlideID    string `json:"slideId"`
	AudioRef   string `json:"audioRef"`
	DurationMs int    `json:"durationMs"`
}
