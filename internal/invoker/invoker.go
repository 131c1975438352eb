// Package invoker drives the external layout-OCR command line tool.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
)

// Backends accepted by the tool
const (
	BackendPipeline = "pipeline"
	BackendVLM      = "vlm"
)

// Table handling modes
const (
	TableModeScreenshot = "screenshot"
	TableModeRecognize  = "recognize"
)

// Devices
const (
	DeviceGPU  = "gpu"
	DeviceCPU  = "cpu"
	DeviceAuto = "auto"
)

// DefaultTimeout is the wall-clock budget for one tool run
const DefaultTimeout = 300 * time.Second

const probeTimeout = 10 * time.Second

// Options selects how a single tool run behaves
type Options struct {
	Backend            string
	Language           string
	TableMode          string
	FormulaRecognition bool
	Device             string
	Timeout            time.Duration
}

// RawToolOutput describes a successful run; the files live under Dir
type RawToolOutput struct {
	Dir      string
	Backend  string
	Device   string
	Duration time.Duration
	Stdout   string
}

// Config holds invoker configuration
type Config struct {
	Binary         string
	GPUProbeBinary string
	// Device forces gpu or cpu; auto probes the GPU
	Device   string
	Defaults Options
}

// Invoker runs the layout-OCR tool through a Runner
type Invoker struct {
	runner Runner
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	available *bool
	gpu       *bool
}

// New creates an invoker; zero config fields fall back to the tool defaults
func New(runner Runner, config Config, logger *slog.Logger) *Invoker {
	if config.Binary == "" {
		config.Binary = "mineru"
	}
	if config.GPUProbeBinary == "" {
		config.GPUProbeBinary = "nvidia-smi"
	}
	if config.Device == "" {
		config.Device = DeviceAuto
	}
	return &Invoker{
		runner: runner,
		config: config,
		logger: logger,
	}
}

// withDefaults fills unset options from config, then from built-in defaults
func (i *Invoker) withDefaults(opts Options) Options {
	d := i.config.Defaults
	if opts.Backend == "" {
		opts.Backend = d.Backend
	}
	if opts.Backend == "" {
		opts.Backend = BackendPipeline
	}
	if opts.Language == "" {
		opts.Language = d.Language
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.TableMode == "" {
		opts.TableMode = d.TableMode
	}
	if opts.TableMode == "" {
		opts.TableMode = TableModeScreenshot
	}
	if opts.Device == "" {
		opts.Device = DeviceCPU
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return opts
}

// BuildArgs returns the tool arguments for one run
func BuildArgs(pdfPath, outputDir string, opts Options) []string {
	device := "cpu"
	if opts.Device == DeviceGPU {
		device = "cuda"
	}
	return []string{
		"-p", pdfPath,
		"-o", outputDir,
		"-b", opts.Backend,
		"--lang", opts.Language,
		"-t", strconv.FormatBool(opts.TableMode == TableModeRecognize),
		"-f", strconv.FormatBool(opts.FormulaRecognition),
		"-d", device,
	}
}

// Invoke runs the tool once; it never retries or switches devices itself
func (i *Invoker) Invoke(ctx context.Context, pdfPath, outputDir string, opts Options) (*RawToolOutput, error) {
	opts = i.withDefaults(opts)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tool output directory: %w", err)
	}

	args := BuildArgs(pdfPath, outputDir, opts)

	i.logger.Info("Invoking OCR tool",
		slog.String("binary", i.config.Binary),
		slog.String("backend", opts.Backend),
		slog.String("device", opts.Device),
		slog.Duration("timeout", opts.Timeout),
	)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := i.runner.Run(runCtx, i.config.Binary, args...)
	dur := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Timeout: opts.Timeout}
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			msg = err.Error()
		}

		return nil, &domain.ToolExecutionError{
			ExitCode: exitCode,
			Stderr:   truncate(msg, maxCapturedOutput),
			Err:      err,
		}
	}

	i.logger.Info("OCR tool finished",
		slog.String("device", opts.Device),
		slog.Duration("duration", dur),
	)

	return &RawToolOutput{
		Dir:      outputDir,
		Backend:  opts.Backend,
		Device:   opts.Device,
		Duration: dur,
		Stdout:   truncate(string(stdout), maxCapturedOutput),
	}, nil
}

// Available reports whether the tool binary answers --version. Only a
// definitive answer is cached; a probe cut short by its context is retried
// on the next call.
func (i *Invoker) Available(ctx context.Context) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.available != nil {
		return *i.available
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, _, err := i.runner.Run(probeCtx, i.config.Binary, "--version")
	if err != nil && probeCtx.Err() != nil {
		i.logger.Warn("OCR tool probe did not finish, will probe again",
			slog.String("binary", i.config.Binary),
			slog.Any("error", err),
		)
		return false
	}

	ok := err == nil
	i.available = &ok
	if !ok {
		i.logger.Warn("OCR tool not available, runs will use text fallback",
			slog.String("binary", i.config.Binary),
			slog.Any("error", err),
		)
	}
	return ok
}

// GPUAvailable reports whether runs should start on the GPU. Like Available,
// it caches only probes that ran to completion.
func (i *Invoker) GPUAvailable(ctx context.Context) bool {
	switch i.config.Device {
	case DeviceGPU:
		return true
	case DeviceCPU:
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gpu != nil {
		return *i.gpu
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	stdout, _, err := i.runner.Run(probeCtx, i.config.GPUProbeBinary, "-L")
	if err != nil && probeCtx.Err() != nil {
		i.logger.Warn("GPU probe did not finish, will probe again", slog.Any("error", err))
		return false
	}

	found := err == nil && strings.Contains(string(stdout), "GPU")
	i.gpu = &found
	i.logger.Info("GPU probe finished", slog.Bool("gpu_available", found))
	return found
}
