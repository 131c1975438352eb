package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/internal/invoker"
	"github.com/cuongbtq/paper-loom/internal/metrics"
	"github.com/cuongbtq/paper-loom/internal/normalizer"
	"github.com/cuongbtq/paper-loom/internal/result"
)

const (
	failUpdateAttempts = 3
	failRetryInterval  = 200 * time.Millisecond

	interruptedByRestart  = "processing interrupted: service restarted"
	genericFailureMessage = "processing failed"
)

// outcome is what a successful attempt hands to finalize
type outcome struct {
	stats         domain.Stats
	mineruSuccess bool
	fallbackUsed  bool
	backend       string
	device        string
}

// run executes one job until it reaches a terminal status
func (o *Orchestrator) run(job *domain.Job, opts StartOptions) {
	defer o.wg.Done()

	ctx := o.runCtx
	log := o.logger.With(slog.String("job_id", job.JobID))

	if err := o.runSlots.Acquire(ctx, 1); err != nil {
		o.fail(job, log, fmt.Errorf("run not started: %w", err), "")
		return
	}
	defer o.runSlots.Release(1)

	metrics.RunStarted()

	out, err := o.execute(ctx, job, opts, log)
	if err != nil {
		o.fail(job, log, err, metrics.PathNone)
		return
	}
	if err := o.finalize(ctx, job, out, log); err != nil {
		o.fail(job, log, err, pathOf(out))
		return
	}
}

// execute walks the policy table until an attempt succeeds or the job must fail
func (o *Orchestrator) execute(ctx context.Context, job *domain.Job, opts StartOptions, log *slog.Logger) (*outcome, error) {
	pdfPath := o.workspace.UploadPath(job.JobID)

	next := firstAttempt(o.invoker.Available(ctx), o.invoker.GPUAvailable(ctx))
	first := true
	var toolErr error

	for {
		r, ok := policy[next]
		if !ok {
			return nil, fmt.Errorf("OCR failed and no fallback remains: %w", toolErr)
		}

		step := r.step
		if first && next != attemptFallback {
			step = domain.StepInvokingOCR
		}
		o.advance(ctx, job.JobID, r.progress, step, log)
		first = false

		if next == attemptFallback {
			out, err := o.runFallback(ctx, job, pdfPath, log)
			if err != nil {
				if toolErr != nil {
					return nil, fmt.Errorf("text fallback failed after OCR error (%v): %w", toolErr, err)
				}
				return nil, err
			}
			return out, nil
		}

		device := invoker.DeviceCPU
		if next == attemptGPU {
			device = invoker.DeviceGPU
		}

		out, err := o.runTool(ctx, job, pdfPath, device, opts, log)
		if err == nil {
			return out, nil
		}
		if !domain.IsRecoverableToolError(err) {
			return nil, err
		}

		log.Warn("OCR attempt failed",
			slog.String("attempt", string(next)),
			slog.String("next", string(r.onFailure)),
			slog.Any("error", err),
		)
		toolErr = err
		next = r.onFailure
	}
}

// runTool runs one tool attempt into a fresh scratch directory and normalizes it
func (o *Orchestrator) runTool(ctx context.Context, job *domain.Job, pdfPath, device string, opts StartOptions, log *slog.Logger) (*outcome, error) {
	rawDir, err := o.workspace.ResetRawDir(job.JobID)
	if err != nil {
		return nil, err
	}

	if err := o.acquireToolSlot(ctx, job.JobID, log); err != nil {
		return nil, err
	}

	toolOpts := o.config.ToolOptions
	toolOpts.Device = device
	if opts.Backend != "" {
		toolOpts.Backend = opts.Backend
	}

	started := time.Now()
	raw, err := o.invoker.Invoke(ctx, pdfPath, rawDir, toolOpts)
	o.toolSlots.Release(1)
	metrics.ObserveToolRun(device, err == nil, time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	o.advance(ctx, job.JobID, progressNormalize, domain.StepNormalizing, log)

	res, err := o.normalizer.Normalize(raw.Dir, pdfBasename(pdfPath), o.workspace.ResultDir(job.JobID))
	if err != nil {
		return nil, err
	}

	stats := res.Stats
	if res.StatsSource == normalizer.StatsSourceMarkdown || stats.TotalPages == 0 {
		if n, err := o.extractor.PageCount(pdfPath); err == nil && n > 0 {
			stats.TotalPages = n
		} else if err != nil {
			log.Debug("Keeping estimated page count", slog.Any("error", err))
		}
	}

	return &outcome{
		stats:         stats,
		mineruSuccess: true,
		backend:       raw.Backend,
		device:        raw.Device,
	}, nil
}

// acquireToolSlot reports the wait in current_step when all slots are busy
func (o *Orchestrator) acquireToolSlot(ctx context.Context, jobID string, log *slog.Logger) error {
	if o.toolSlots.TryAcquire(1) {
		metrics.ObserveSlotWait(0)
		return nil
	}

	o.setStep(ctx, jobID, domain.StepWaitingForGPU, log)
	started := time.Now()
	if err := o.toolSlots.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.ObserveSlotWait(time.Since(started).Seconds())
	o.setStep(ctx, jobID, domain.StepInvokingOCR, log)
	return nil
}

// runFallback writes the text-only extraction straight into the result directory
func (o *Orchestrator) runFallback(ctx context.Context, job *domain.Job, pdfPath string, log *slog.Logger) (*outcome, error) {
	markdown, stats, err := o.extractor.Extract(ctx, pdfPath)
	metrics.IncFallback(err == nil)
	if err != nil {
		return nil, err
	}

	o.advance(ctx, job.JobID, progressNormalize, domain.StepNormalizing, log)

	if err := o.workspace.RemoveResult(job.JobID); err != nil {
		return nil, fmt.Errorf("failed to clear result directory: %w", err)
	}
	resultDir := o.workspace.ResultDir(job.JobID)
	if err := os.MkdirAll(filepath.Join(resultDir, domain.OutputImagesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(resultDir, domain.OutputMarkdown), []byte(markdown), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write markdown: %w", err)
	}

	log.Info("Text fallback produced result", slog.Int("pages", stats.TotalPages))

	return &outcome{stats: stats, fallbackUsed: true}, nil
}

// finalize writes metadata.json, drops scratch output and completes the job
func (o *Orchestrator) finalize(ctx context.Context, job *domain.Job, out *outcome, log *slog.Logger) error {
	o.advance(ctx, job.JobID, progressFinalize, domain.StepFinalizing, log)

	completedAt := o.now().UTC()
	elapsed := completedAt.Sub(*job.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	err := result.WriteMetadata(o.workspace.ResultDir(job.JobID), result.Metadata{
		JobID:          job.JobID,
		Filename:       job.OriginalFilename,
		ProcessedAt:    completedAt,
		ProcessingTime: elapsed,
		Stats:          out.stats,
		MineruSuccess:  out.mineruSuccess,
		FallbackUsed:   out.fallbackUsed,
	})
	if err != nil {
		return err
	}
	if err := o.workspace.RemoveRaw(job.JobID); err != nil {
		log.Warn("Failed to remove raw tool output", slog.Any("error", err))
	}

	stats := out.stats
	done, err := o.store.Update(context.WithoutCancel(ctx), job.JobID, domain.JobUpdate{
		Status:        domain.Ptr(domain.JobStatusCompleted),
		Progress:      domain.Ptr(progressDone),
		CurrentStep:   domain.Ptr(domain.StepCompleted),
		CompletedAt:   &completedAt,
		Stats:         &stats,
		MineruSuccess: domain.Ptr(out.mineruSuccess),
		FallbackUsed:  domain.Ptr(out.fallbackUsed),
		Backend:       domain.Ptr(out.backend),
		Device:        domain.Ptr(out.device),
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	log.Info("Job completed",
		slog.Bool("fallback_used", out.fallbackUsed),
		slog.Int("pages", stats.TotalPages),
		slog.Float64("elapsed_seconds", elapsed),
	)
	metrics.RunFinished(domain.JobStatusCompleted, pathOf(out), elapsed)
	o.publish(done)
	return nil
}

// fail removes any partial result and records the error on the job.
// path is empty when the run never started.
func (o *Orchestrator) fail(job *domain.Job, log *slog.Logger, cause error, path string) {
	if err := o.workspace.RemoveResult(job.JobID); err != nil {
		log.Warn("Failed to remove partial result", slog.Any("error", err))
	}

	completedAt := o.now().UTC()
	msg := strings.ToValidUTF8(errorMessage(cause), "\uFFFD")

	if path != "" {
		metrics.RunFinished(domain.JobStatusFailed, path, completedAt.Sub(*job.StartedAt).Seconds())
	}

	failed, err := o.markFailed(job.JobID, msg, completedAt)
	if err != nil {
		log.Error("Failed to mark job as failed",
			slog.String("cause", msg),
			slog.Any("error", err),
		)
		return
	}

	log.Error("Job failed", slog.String("error", msg))
	o.publish(failed)
}

// markFailed moves a processing job to failed. When the store rejects the
// update it retries, then falls back to a short message in case the cause
// text itself was the problem.
func (o *Orchestrator) markFailed(jobID, msg string, completedAt time.Time) (*domain.Job, error) {
	update := func(m string) (*domain.Job, error) {
		return o.store.Update(context.Background(), jobID, domain.JobUpdate{
			Status:       domain.Ptr(domain.JobStatusFailed),
			CurrentStep:  domain.Ptr(domain.StepFailed),
			CompletedAt:  &completedAt,
			ErrorMessage: &m,
		})
	}

	var err error
	for attempt := 0; attempt < failUpdateAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * failRetryInterval)
		}

		var job *domain.Job
		job, err = update(msg)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrInvalidStateTransition) {
			return nil, err
		}
	}

	if job, fallbackErr := update(genericFailureMessage); fallbackErr == nil {
		return job, nil
	}
	return nil, err
}

// Recover fails every job left in processing by a previous process. No run
// owns those jobs any more, so they could neither finish nor be cleaned up.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		if job.Status != domain.JobStatusProcessing {
			continue
		}
		log := o.logger.With(slog.String("job_id", job.JobID))

		if err := o.workspace.RemoveResult(job.JobID); err != nil {
			log.Warn("Failed to remove partial result", slog.Any("error", err))
		}
		if err := o.workspace.RemoveRaw(job.JobID); err != nil {
			log.Warn("Failed to remove raw tool output", slog.Any("error", err))
		}

		failed, err := o.markFailed(job.JobID, interruptedByRestart, o.now().UTC())
		if err != nil {
			return recovered, fmt.Errorf("failed to recover job %s: %w", job.JobID, err)
		}

		log.Warn("Interrupted job marked as failed")
		o.publish(failed)
		recovered++
	}

	return recovered, nil
}

// advance moves progress forward; store errors are logged and the run continues
func (o *Orchestrator) advance(ctx context.Context, jobID string, progress int, step string, log *slog.Logger) {
	_, err := o.store.Update(ctx, jobID, domain.JobUpdate{
		Progress:    &progress,
		CurrentStep: &step,
	})
	if err != nil {
		log.Warn("Failed to record progress",
			slog.Int("progress", progress),
			slog.String("step", step),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) setStep(ctx context.Context, jobID, step string, log *slog.Logger) {
	if _, err := o.store.Update(ctx, jobID, domain.JobUpdate{CurrentStep: &step}); err != nil {
		log.Warn("Failed to record step", slog.String("step", step), slog.Any("error", err))
	}
}

func pathOf(out *outcome) string {
	switch {
	case out == nil:
		return metrics.PathNone
	case out.fallbackUsed:
		return metrics.PathFallback
	default:
		return metrics.PathTool
	}
}

// pdfBasename is the name the tool derives its output directories from
func pdfBasename(pdfPath string) string {
	base := filepath.Base(pdfPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// errorMessage turns a run error into the text stored on the job
func errorMessage(err error) string {
	var normErr *domain.NormalizationError
	var extractErr *domain.ExtractionError

	switch {
	case errors.Is(err, context.Canceled):
		return "processing interrupted: service shutting down"
	case errors.As(err, &normErr):
		return "OCR output could not be read: " + normErr.Err.Error()
	case errors.As(err, &extractErr):
		return "PDF could not be read: " + err.Error()
	default:
		return err.Error()
	}
}
