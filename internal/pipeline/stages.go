package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/model"
)

// narrationPaddingMs keeps a short pause after each narrated slide.
const narrationPaddingMs = 300

func classified(stage model.Stage, message string, err error) error {
	if IsTransient(err) {
		return Transient(stage, message, err)
	}
	return Permanent(stage, message, err)
}

// ArtifactKey is where the encoded video of a job is stored. It is stable
// across attempts so a retried encode overwrites instead of duplicating.
func ArtifactKey(jobID string, format model.Format) string {
	return fmt.Sprintf("renders/%s/output.%s", jobID, format)
}

func narrationKey(jobID, slideID string) string {
	return fmt.Sprintf("renders/%s/narration/%s.audio", jobID, slideID)
}

func manifestKey(jobID string) string {
	return fmt.Sprintf("renders/%s/manifest.json", jobID)
}

func isRemoteURL(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

// AssetPreparation resolves every slide, avatar and background reference.
type AssetPreparation struct {
	Storage client.StorageClient
}

func (s *AssetPreparation) Name() model.Stage { return model.StageAssetPreparation }
func (s *AssetPreparation) Idempotent() bool  { return true }

func (s *AssetPreparation) Execute(ctx context.Context, run *Run) error {
	tl := run.Job.Input.Timeline
	if len(tl.Slides) == 0 {
		return Permanent(s.Name(), "The timeline has no slides", nil)
	}

	slides := append([]model.Slide(nil), tl.Slides...)
	sort.SliceStable(slides, func(i, j int) bool { return slides[i].Order < slides[j].Order })

	seen := make(map[string]bool, len(slides))
	for i, slide := range slides {
		if seen[slide.ID] {
			return Permanent(s.Name(), fmt.Sprintf("Slide %s appears twice in the timeline", slide.ID), nil)
		}
		seen[slide.ID] = true

		if _, done := run.Assets[slide.ID]; done {
			continue
		}
		imageURL, err := s.resolve(ctx, slide.ImageRef)
		if err != nil {
			return s.assetError(slide.ID, err)
		}
		asset := model.PreparedAsset{SlideID: slide.ID, ImageURL: imageURL}
		if slide.Media != nil {
			if asset.MediaURL, err = s.resolve(ctx, slide.Media.Ref); err != nil {
				return s.assetError(slide.ID, err)
			}
		}
		run.Assets[slide.ID] = asset
		run.Report(ctx, i+1, len(slides))
	}

	if tl.Background != nil && tl.Background.ImageRef != "" {
		if _, err := s.resolve(ctx, tl.Background.ImageRef); err != nil {
			return s.assetError("background", err)
		}
	}
	run.Slides = slides
	return nil
}

func (s *AssetPreparation) resolve(ctx context.Context, ref string) (string, error) {
	if isRemoteURL(ref) || s.Storage == nil {
		return ref, nil
	}
	if _, err := s.Storage.Stat(ctx, ref); err != nil {
		return "", err
	}
	return s.Storage.GetPublicURL(ref), nil
}

func (s *AssetPreparation) assetError(what string, err error) error {
	if errors.Is(err, client.ErrObjectNotFound) {
		return Permanent(s.Name(), fmt.Sprintf("Asset for %s was not found", what), err)
	}
	return Transient(s.Name(), "Asset storage is temporarily unavailable", err)
}

// NarrationSynthesis obtains one audio clip per narrated slide.
type NarrationSynthesis struct {
	TTS Synthesizer
}

func (s *NarrationSynthesis) Name() model.Stage { return model.StageNarrationSynthesis }
func (s *NarrationSynthesis) Idempotent() bool  { return true }

func (s *NarrationSynthesis) Execute(ctx context.Context, run *Run) error {
	var narrated []model.Slide
	for _, slide := range run.Slides {
		if strings.TrimSpace(slide.NarrationText) != "" {
			narrated = append(narrated, slide)
		}
	}

	for i, slide := range narrated {
		// clips from a failed earlier try are kept
		if _, done := run.Narration[slide.ID]; done {
			run.Report(ctx, i+1, len(narrated))
			continue
		}
		resp, err := s.TTS.Synthesize(ctx, &client.SynthesizeRequest{
			Text:      slide.NarrationText,
			VoiceID:   slide.Voice.VoiceID,
			Language:  slide.Voice.Language,
			Speed:     slide.Voice.Speed,
			OutputKey: narrationKey(run.Job.ID, slide.ID),
		})
		if err != nil {
			return classified(s.Name(), SafeMessage(s.Name(), err), err)
		}
		if resp.DurationMs <= 0 {
			return Permanent(s.Name(), fmt.Sprintf("Narration for slide %s came back empty", slide.ID), nil)
		}
		run.Narration[slide.ID] = model.NarrationClip{
			SlideID:    slide.ID,
			AudioRef:   resp.AudioRef,
			DurationMs: resp.DurationMs,
		}
		run.Report(ctx, i+1, len(narrated))
	}
	return nil
}

// Composition lays scenes out on the output timeline.
type Composition struct {
	SupportedMediaCodecs []string
	MaxDurationMs        int
}

func (s *Composition) Name() model.Stage { return model.StageComposition }
func (s *Composition) Idempotent() bool  { return true }

func (s *Composition) supports(codec string) bool {
	codec = strings.ToLower(codec)
	for _, c := range s.SupportedMediaCodecs {
		if c == codec {
			return true
		}
	}
	return false
}

func (s *Composition) Execute(_ context.Context, run *Run) error {
	settings := run.Job.Input.Settings
	if err := settings.CheckContainer(); err != nil {
		return Permanent(s.Name(), "The requested codec is not supported for this format", err)
	}

	width, height := settings.Resolution.Dimensions()
	comp := &model.Composition{
		JobID:      run.Job.ID,
		Width:      width,
		Height:     height,
		FPS:        settings.FPS,
		Avatar:     run.Job.Input.Timeline.Avatar,
		Background: run.Job.Input.Timeline.Background,
	}

	cursor := 0
	for _, slide := range run.Slides {
		if slide.Media != nil && !s.supports(slide.Media.Codec) {
			return Permanent(s.Name(),
				fmt.Sprintf("Slide %s uses unsupported media codec %q", slide.ID, slide.Media.Codec), nil)
		}

		duration := slide.DurationMs
		if duration <= 0 {
			duration = model.DefaultSlideDurationMs
		}
		scene := model.CompositionScene{
			SlideID:    slide.ID,
			StartMs:    cursor,
			ImageURL:   run.Assets[slide.ID].ImageURL,
			Transition: slide.Transition,
			Overlays:   slide.Overlays,
			Media:      slide.Media,
		}
		if scene.Transition == "" {
			scene.Transition = model.TransitionNone
		}
		if clip, ok := run.Narration[slide.ID]; ok && settings.Audio.Enabled {
			scene.AudioRef = clip.AudioRef
			if need := clip.DurationMs + narrationPaddingMs; need > duration {
				duration = need
			}
		}
		scene.DurationMs = duration
		cursor += duration
		comp.Scenes = append(comp.Scenes, scene)
	}
	comp.DurationMs = cursor

	if s.MaxDurationMs > 0 && comp.DurationMs > s.MaxDurationMs {
		return Permanent(s.Name(), "The narrated video exceeds the maximum duration", nil)
	}
	run.Composition = comp
	return nil
}

// Encode hands the composition to the external renderer.
type Encode struct {
	Renderer Encoder
}

func (s *Encode) Name() model.Stage { return model.StageEncode }
func (s *Encode) Idempotent() bool  { return true }

func (s *Encode) Execute(ctx context.Context, run *Run) error {
	if run.Composition == nil {
		return Permanent(s.Name(), "Nothing to encode", nil)
	}
	resp, err := s.Renderer.Encode(ctx, &client.EncodeRequest{
		Composition: *run.Composition,
		Settings:    run.Job.Input.Settings,
		OutputKey:   ArtifactKey(run.Job.ID, run.Job.Input.Settings.Format),
	})
	if err != nil {
		return classified(s.Name(), SafeMessage(s.Name(), err), err)
	}
	if resp.ArtifactRef == "" {
		return Transient(s.Name(), "The video renderer returned no artifact", nil)
	}
	run.Encoded = resp
	return nil
}

// Finalize records the artifact and completes the job.
type Finalize struct {
	Storage   client.StorageClient
	SignedTTL time.Duration
}

func (s *Finalize) Name() model.Stage { return model.StageFinalize }
func (s *Finalize) Idempotent() bool  { return true }

func (s *Finalize) Execute(ctx context.Context, run *Run) error {
	if run.Encoded == nil {
		return Permanent(s.Name(), "No encoded artifact to finalize", nil)
	}
	out := model.JobOutput{
		ArtifactRef: run.Encoded.ArtifactRef,
		Format:      run.Job.Input.Settings.Format,
		DurationMs:  run.Encoded.DurationMs,
		SizeBytes:   run.Encoded.SizeBytes,
		Metadata:    run.Encoded.Metadata,
	}
	if out.DurationMs == 0 && run.Composition != nil {
		out.DurationMs = int64(run.Composition.DurationMs)
	}

	if s.Storage != nil {
		manifest, err := json.Marshal(struct {
			JobID       string             `json:"jobId"`
			ProjectID   string             `json:"projectId"`
			Output      model.JobOutput    `json:"output"`
			Composition *model.Composition `json:"composition"`
		}{run.Job.ID, run.Job.ProjectID, out, run.Composition})
		if err != nil {
			return Permanent(s.Name(), "Could not record render metadata", err)
		}
		if _, err := s.Storage.Upload(ctx, manifestKey(run.Job.ID), bytes.NewReader(manifest), "application/json"); err != nil {
			return Transient(s.Name(), "Asset storage is temporarily unavailable", err)
		}
		out.URL = s.Storage.GetPublicURL(out.ArtifactRef)
		if s.SignedTTL > 0 {
			if signed, err := s.Storage.GetSignedURL(ctx, out.ArtifactRef, s.SignedTTL); err == nil {
				out.URL = signed
			}
		}
	}
	return run.Commit(ctx, out)
}
