package pipeline

import (
	"context"

	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/model"
)

// Synthesizer turns narration text into an audio clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, req *client.SynthesizeRequest) (*client.SynthesizeResponse, error)
}

// Encoder produces the output artifact from a composition.
type Encoder interface {
	Encode(ctx context.Context, req *client.EncodeRequest) (*client.EncodeResponse, error)
}

// Stage is one step of the render pipeline.
type Stage interface {
	Name() model.Stage
	// Idempotent stages are retried in place. Others restart the pipeline.
	Idempotent() bool
	Execute(ctx context.Context, run *Run) error
}

// Run carries state between the stages of one attempt.
type Run struct {
	Job *model.Job

	Slides      []model.Slide
	Assets      map[string]model.PreparedAsset
	Narration   map[string]model.NarrationClip
	Composition *model.Composition
	Encoded     *client.EncodeResponse

	report func(ctx context.Context, done, total int)
	commit func(ctx context.Context, out model.JobOutput) error
}

func newRun(job *model.Job) *Run {
	return &Run{
		Job:       job,
		Assets:    make(map[string]model.PreparedAsset),
		Narration: make(map[string]model.NarrationClip),
	}
}

// reset drops everything produced by earlier stages.
func (r *Run) reset() {
	r.Slides = nil
	r.Assets = make(map[string]model.PreparedAsset)
	r.Narration = make(map[string]model.NarrationClip)
	r.Composition = nil
	r.Encoded = nil
}

// Report publishes fractional progress inside the current stage.
func (r *Run) Report(ctx context.Context, done, total int) {
	if r.report != nil && total > 0 {
		r.report(ctx, done, total)
	}
}

// Commit completes the job with out. Only the finalize stage calls it.
func (r *Run) Commit(ctx context.Context, out model.JobOutput) error {
	return r.commit(ctx, out)
}
