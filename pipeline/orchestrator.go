package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mohans/genpipe/catalog"
	"github.com/mohans/genpipe/gateway"
)

// ImageSource resolves a reference-image ref to something the gateway can
// send. When nil, refs are passed through as URLs.
type ImageSource interface {
	Fetch(ctx context.Context, ref string) (gateway.InputImage, error)
}

// Orchestrator drives one task through the stage pipeline. Stages run
// strictly in order, each transition is persisted before the stage's work
// begins, and any stage error compensates the task and ends the run. There
// is no per-stage retry; a regenerate is a brand-new task.
type Orchestrator struct {
	store     Store
	selector  Selector
	gateway   Invoker
	watermark Watermarker
	uploader  Uploader
	comp      *Compensator
	notifier  Notifier
	images    ImageSource
	log       *slog.Logger
}

type OrchestratorOptions struct {
	Images   ImageSource // optional
	Notifier Notifier    // optional
	Logger   *slog.Logger
}

func NewOrchestrator(store Store, sel Selector, inv Invoker, wm Watermarker, up Uploader, comp *Compensator, opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		selector:  sel,
		gateway:   inv,
		watermark: wm,
		uploader:  up,
		comp:      comp,
		notifier:  opts.Notifier,
		images:    opts.Images,
		log:       logger,
	}
}

// Run executes the pipeline for one task. Callers must not invoke Run twice
// concurrently for the same id; the queue's task-id dedup plus the store's
// stage guard make a duplicate invocation a no-op rather than a double run.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	t, err := o.store.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Stage.Terminal() {
		o.log.Info("task already terminal, skipping", "task", taskID, "stage", t.Stage)
		return nil
	}
	if t.Stage != StagePending {
		return fmt.Errorf("task %s is mid-run at %s, refusing duplicate invocation", taskID, t.Stage)
	}

	if err := o.advance(ctx, t, StageProcessing); err != nil {
		return err
	}
	model, err := o.selector.SelectBestModel(ctx, catalog.Requirements{OutputType: t.OutputType})
	if err != nil {
		return o.fail(ctx, t, err)
	}
	if err := o.store.SetModel(ctx, t.ID, model.ID); err != nil {
		return o.fail(ctx, t, err)
	}
	t.SelectedModelID = model.ID

	if err := o.advance(ctx, t, StageAIProcessing); err != nil {
		return err
	}
	result, err := o.invokeModel(ctx, t, model)
	if err != nil {
		return o.fail(ctx, t, err)
	}

	if err := o.advance(ctx, t, StageWatermarking); err != nil {
		return err
	}
	processed, err := o.watermarkAll(ctx, t, result.Images)
	if err != nil {
		return o.fail(ctx, t, err)
	}

	if err := o.advance(ctx, t, StageUploading); err != nil {
		return err
	}
	artifacts, err := o.uploadAll(ctx, processed)
	if err != nil {
		return o.fail(ctx, t, err)
	}

	res := &Result{Images: artifacts}
	if err := o.store.MarkCompleted(ctx, t.ID, res); err != nil {
		return o.fail(ctx, t, err)
	}
	t.Stage = StageCompleted
	t.Result = res
	o.publish(ctx, t)
	o.log.Info("task completed", "task", t.ID, "model", model.ID, "artifacts", len(artifacts))
	return nil
}

func (o *Orchestrator) invokeModel(ctx context.Context, t *Task, model *catalog.ModelRecord) (*gateway.NormalizedResult, error) {
	req := gateway.Request{Prompt: t.Prompt, Params: t.Params}
	for _, ref := range t.ImageRefs {
		img, err := o.resolveImage(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve input image %s: %w", ref, err)
		}
		req.Images = append(req.Images, img)
	}
	result, err := o.gateway.Invoke(ctx, model, req)
	if err != nil {
		return nil, err
	}
	if len(result.Images) == 0 {
		return nil, fmt.Errorf("model %s returned no artifacts", model.ID)
	}
	return result, nil
}

func (o *Orchestrator) resolveImage(ctx context.Context, ref string) (gateway.InputImage, error) {
	if o.images != nil {
		return o.images.Fetch(ctx, ref)
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return gateway.InputImage{}, fmt.Errorf("ref %q is not a URL and no image source is configured", ref)
	}
	return gateway.InputImage{URL: ref}, nil
}

// watermarkAll applies the post-processing collaborator to inline artifacts.
// URL-only artifacts pass through untouched; they are already hosted.
func (o *Orchestrator) watermarkAll(ctx context.Context, t *Task, imgs []gateway.GeneratedImage) ([]gateway.GeneratedImage, error) {
	out := make([]gateway.GeneratedImage, 0, len(imgs))
	for _, img := range imgs {
		if len(img.Data) == 0 {
			out = append(out, img)
			continue
		}
		meta := map[string]string{"task_id": t.ID, "owner_id": t.OwnerID}
		data, err := o.watermark.Apply(ctx, img.Data, meta)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		out = append(out, gateway.GeneratedImage{Data: data, MIME: img.MIME})
	}
	return out, nil
}

func (o *Orchestrator) uploadAll(ctx context.Context, imgs []gateway.GeneratedImage) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, len(imgs))
	for _, img := range imgs {
		if len(img.Data) == 0 {
			artifacts = append(artifacts, Artifact{Ref: img.URL, URL: img.URL})
			continue
		}
		up, err := o.uploader.Upload(ctx, img.Data, img.MIME)
		if err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}
		artifacts = append(artifacts, Artifact{Ref: up.Ref, URL: up.URL})
	}
	return artifacts, nil
}

// advance persists one forward transition before the stage's work starts, so
// pollers see intermediate progress and a crashed run leaves a checkpoint.
func (o *Orchestrator) advance(ctx context.Context, t *Task, to Stage) error {
	if err := o.store.AdvanceStage(ctx, t.ID, t.Stage, to); err != nil {
		return fmt.Errorf("advance %s to %s: %w", t.ID, to, err)
	}
	t.Stage = to
	o.publish(ctx, t)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, t *Task, cause error) error {
	reason := cause.Error()
	if err := o.comp.Compensate(ctx, t.ID, reason); err != nil {
		o.log.Error("compensation failed", "task", t.ID, "err", err)
	}
	t.Stage = StageFailed
	t.Result = &Result{ErrorMsg: reason}
	o.publish(ctx, t)
	o.log.Warn("task failed", "task", t.ID, "reason", reason)
	return fmt.Errorf("task %s: %w", t.ID, cause)
}

func (o *Orchestrator) publish(ctx context.Context, t *Task) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, t.Snapshot()); err != nil {
		o.log.Warn("publish status failed", "task", t.ID, "err", err)
	}
}
