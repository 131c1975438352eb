// Package pipeline runs uploaded jobs through the layout-OCR tool, the text
// fallback and the normalizer, and records every step in the job store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/internal/events"
	"github.com/cuongbtq/paper-loom/internal/invoker"
	"github.com/cuongbtq/paper-loom/internal/normalizer"
	"github.com/cuongbtq/paper-loom/internal/store"
	"github.com/cuongbtq/paper-loom/internal/workspace"
	"golang.org/x/sync/semaphore"
)

// Defaults for zero Config fields
const (
	DefaultMaxConcurrentJobs = 4
	DefaultToolSlots         = 1
	DefaultEventTimeout      = 5 * time.Second
)

// ToolInvoker runs the layout-OCR tool
type ToolInvoker interface {
	Invoke(ctx context.Context, pdfPath, outputDir string, opts invoker.Options) (*invoker.RawToolOutput, error)
	Available(ctx context.Context) bool
	GPUAvailable(ctx context.Context) bool
}

// TextExtractor is the text-only fallback
type TextExtractor interface {
	Extract(ctx context.Context, pdfPath string) (string, domain.Stats, error)
	PageCount(pdfPath string) (int, error)
}

// OutputNormalizer maps raw tool output into the canonical layout
type OutputNormalizer interface {
	Normalize(rawOutputDir, pdfBasename, destDir string) (*normalizer.CanonicalResult, error)
}

// Dependencies holds the collaborators of the orchestrator
type Dependencies struct {
	Store      store.Store
	Workspace  *workspace.Workspace
	Invoker    ToolInvoker
	Extractor  TextExtractor
	Normalizer OutputNormalizer
	Publisher  events.Publisher
	Logger     *slog.Logger
}

// Config holds pipeline settings
type Config struct {
	MaxConcurrentJobs int
	ToolSlots         int
	EventTimeout      time.Duration
	// ToolOptions are passed to every tool run; Device is chosen per attempt
	ToolOptions invoker.Options
}

// StartOptions tunes a single run
type StartOptions struct {
	// Backend overrides ToolOptions.Backend when set
	Backend string
}

// Orchestrator owns every processing run
type Orchestrator struct {
	store      store.Store
	workspace  *workspace.Workspace
	invoker    ToolInvoker
	extractor  TextExtractor
	normalizer OutputNormalizer
	publisher  events.Publisher
	logger     *slog.Logger
	config     Config

	runSlots  *semaphore.Weighted
	toolSlots *semaphore.Weighted

	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates an orchestrator
func New(deps *Dependencies, cfg Config) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.ToolSlots <= 0 {
		cfg.ToolSlots = DefaultToolSlots
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}

	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:      deps.Store,
		workspace:  deps.Workspace,
		invoker:    deps.Invoker,
		extractor:  deps.Extractor,
		normalizer: deps.Normalizer,
		publisher:  publisher,
		logger:     deps.Logger,
		config:     cfg,
		runSlots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		toolSlots:  semaphore.NewWeighted(int64(cfg.ToolSlots)),
		runCtx:     runCtx,
		cancelRuns: cancel,
		now:        time.Now,
	}
}

// Start moves an uploaded job to processing and launches its run.
// A concurrent second Start for the same job gets domain.ErrAlreadyProcessing.
func (o *Orchestrator) Start(ctx context.Context, jobID string, opts StartOptions) (*domain.Job, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusUploaded && !o.workspace.HasUpload(jobID) {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrUploadMissing)
	}

	startedAt := o.now().UTC()
	job, err = o.store.Update(ctx, jobID, domain.JobUpdate{
		Status:      domain.Ptr(domain.JobStatusProcessing),
		StartedAt:   &startedAt,
		Progress:    domain.Ptr(progressStarted),
		CurrentStep: domain.Ptr(domain.StepInvokingOCR),
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Job processing started",
		slog.String("job_id", jobID),
		slog.String("backend", opts.Backend),
	)
	o.publish(job)

	launched = true
	go o.run(job.Clone(), opts)

	return job, nil
}

// Wait blocks until every launched run has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx
// expires first, the remaining runs are canceled, which fails their jobs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelRuns()
		return nil
	case <-ctx.Done():
		o.logger.Warn("Shutdown deadline reached, canceling in-flight runs")
		o.cancelRuns()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) publish(job *domain.Job) {
	e, err := events.FromJob(job)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.config.EventTimeout)
	defer cancel()

	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.JobID),
			slog.String("type", e.Type),
			slog.Any("error", err),
		)
	}
}
