package model

import "time"

// Project is the owner-scoped container of a slide timeline.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Timeline  Timeline  `json:"timeline"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Timeline is the ordered slide deck plus presenter settings.
type Timeline struct {
	Version    int         `json:"version"`
	Slides     []Slide     `json:"slides" validate:"required,min=1,dive"`
	Avatar     *Avatar     `json:"avatar,omitempty"`
	Background *Background `json:"background,omitempty"`
}

// Slide is one scene of the video.
type Slide struct {
	ID            string      `json:"id" validate:"required"`
	Order         int         `json:"order" validate:"min=0"`
	ImageRef      string      `json:"imageRef" validate:"required"`
	DurationMs    int         `json:"durationMs" validate:"min=0,max=600000"`
	NarrationText string      `json:"narrationText,omitempty" validate:"max=5000"`
	Voice         VoiceParams `json:"voice"`
	Transition    Transition  `json:"transition,omitempty" validate:"omitempty,oneof=none fade slide zoom"`
	Overlays      []Overlay   `json:"overlays,omitempty" validate:"omitempty,dive"`
	Media         *SlideMedia `json:"media,omitempty"`
}

// VoiceParams selects the narration voice for a slide.
type VoiceParams struct {
	VoiceID  string  `json:"voiceId,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty" validate:"omitempty,min=0.5,max=2"`
}

// Overlay is a timed text or image layer on a slide.
type Overlay struct {
	Type    string `json:"type" validate:"required,oneof=text image"`
	Content string `json:"content" validate:"required"`
	StartMs int    `json:"startMs" validate:"min=0"`
	EndMs   int    `json:"endMs" validate:"min=0"`
}

// SlideMedia is an embedded video clip played on a slide.
type SlideMedia struct {
	Ref   string `json:"ref" validate:"required"`
	Codec string `json:"codec" validate:"required"`
}

// Avatar is the presenter rendered over the slides.
type Avatar struct {
	ID       string `json:"id" validate:"required"`
	Position string `json:"position,omitempty"`
}

// Background is either a color or an image reference.
type Background struct {
	Color    string `json:"color,omitempty"`
	ImageRef string `json:"imageRef,omitempty"`
}

// DefaultSlideDurationMs applies to slides without an explicit duration and no narration.
const DefaultSlideDurationMs = 5000

// HasNarration reports whether any slide carries narration text.
func (t *Timeline) HasNarration() bool {
	for _, s := range t.Slides {
		if s.NarrationText != "" {
			return true
		}
	}
	return false
}

// DurationMs is the nominal length of the timeline before narration timing is known.
func (t *Timeline) DurationMs() int {
	total := 0
	for _, s := range t.Slides {
		if s.DurationMs > 0 {
			total += s.DurationMs
		} else {
			total += DefaultSlideDurationMs
		}
	}
	return total
}

// Snapshot returns a deep copy that shares no memory with t.
func (t *Timeline) Snapshot() Timeline {
	out := Timeline{Version: t.Version}
	if t.Avatar != nil {
		a := *t.Avatar
		out.Avatar = &a
	}
	if t.Background != nil {
		b := *t.Background
		out.Background = &b
	}
	out.Slides = make([]Slide, len(t.Slides))
	for i, s := range t.Slides {
		c := s
		if s.Overlays != nil {
			c.Overlays = append([]Overlay(nil), s.Overlays...)
		}
		if s.Media != nil {
			m := *s.Media
			c.Media = &m
		}
		out.Slides[i] = c
	}
	return out
}
