package invoker

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	stdout []byte
	stderr []byte
	err    error
	block  bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return f.stdout, f.stderr, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// exitError produces a real *exec.ExitError with the given code
func exitError(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+code).Run()
	require.Error(t, err)
	return err
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "gpu pipeline with screenshot tables",
			opts: Options{Backend: BackendPipeline, Language: "en", TableMode: TableModeScreenshot, FormulaRecognition: true, Device: DeviceGPU},
			want: []string{"-p", "in.pdf", "-o", "out", "-b", "pipeline", "--lang", "en", "-t", "false", "-f", "true", "-d", "cuda"},
		},
		{
			name: "cpu vlm with table recognition",
			opts: Options{Backend: BackendVLM, Language: "japan", TableMode: TableModeRecognize, Device: DeviceCPU},
			want: []string{"-p", "in.pdf", "-o", "out", "-b", "vlm", "--lang", "japan", "-t", "true", "-f", "false", "-d", "cpu"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildArgs("in.pdf", "out", tt.opts))
		})
	}
}

func TestInvoker_Invoke_Success(t *testing.T) {
	runner := &fakeRunner{stdout: []byte("done")}
	inv := New(runner, Config{Binary: "mineru"}, logger.NewNop())
	out := filepath.Join(t.TempDir(), ".raw")

	raw, err := inv.Invoke(context.Background(), "/tmp/in.pdf", out, Options{Device: DeviceGPU})
	require.NoError(t, err)

	assert.Equal(t, out, raw.Dir)
	assert.Equal(t, BackendPipeline, raw.Backend)
	assert.Equal(t, DeviceGPU, raw.Device)
	assert.DirExists(t, out)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "mineru", runner.calls[0].name)
	assert.Contains(t, strings.Join(runner.calls[0].args, " "), "--lang en")
}

func TestInvoker_Invoke_UsesConfiguredDefaults(t *testing.T) {
	runner := &fakeRunner{}
	inv := New(runner, Config{
		Binary:   "/opt/mineru",
		Defaults: Options{Backend: BackendVLM, Language: "ch", TableMode: TableModeRecognize},
	}, logger.NewNop())

	_, err := inv.Invoke(context.Background(), "a.pdf", t.TempDir(), Options{})
	require.NoError(t, err)

	args := strings.Join(runner.calls[0].args, " ")
	assert.Contains(t, args, "-b vlm")
	assert.Contains(t, args, "--lang ch")
	assert.Contains(t, args, "-t true")
	assert.Contains(t, args, "-d cpu")
}

func TestInvoker_Invoke_ToolFailure(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		stderr   string
		wantCode int
		wantMsg  string
	}{
		{name: "stderr preferred", stdout: "progress", stderr: "CUDA out of memory", wantCode: 2, wantMsg: "CUDA out of memory"},
		{name: "stdout when stderr empty", stdout: "model download failed", wantCode: 2, wantMsg: "model download failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{
				stdout: []byte(tt.stdout),
				stderr: []byte(tt.stderr),
				err:    exitError(t, "2"),
			}
			inv := New(runner, Config{}, logger.NewNop())

			_, err := inv.Invoke(context.Background(), "a.pdf", t.TempDir(), Options{})
			require.Error(t, err)

			var toolErr *domain.ToolExecutionError
			require.True(t, errors.As(err, &toolErr))
			assert.Equal(t, tt.wantCode, toolErr.ExitCode)
			assert.Equal(t, tt.wantMsg, toolErr.Stderr)
			assert.True(t, domain.IsRecoverableToolError(err))
		})
	}
}

func TestInvoker_Invoke_StderrCapped(t *testing.T) {
	runner := &fakeRunner{
		stderr: []byte(strings.Repeat("x", 20<<10)),
		err:    exitError(t, "1"),
	}
	inv := New(runner, Config{}, logger.NewNop())

	_, err := inv.Invoke(context.Background(), "a.pdf", t.TempDir(), Options{})

	var toolErr *domain.ToolExecutionError
	require.True(t, errors.As(err, &toolErr))
	assert.LessOrEqual(t, len(toolErr.Stderr), maxCapturedOutput+len("...(truncated)"))
}

func TestInvoker_Invoke_StderrStaysValidUTF8(t *testing.T) {
	tests := []struct {
		name   string
		stderr []byte
	}{
		{name: "multi-byte rune at the cap", stderr: []byte("x" + strings.Repeat("█", 4000))},
		{name: "shift_jis locale output", stderr: []byte{0x82, 0xa0, ' ', 'e', 'r', 'r'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{stderr: tt.stderr, err: exitError(t, "1")}
			inv := New(runner, Config{}, logger.NewNop())

			_, err := inv.Invoke(context.Background(), "a.pdf", t.TempDir(), Options{})

			var toolErr *domain.ToolExecutionError
			require.True(t, errors.As(err, &toolErr))
			assert.True(t, utf8.ValidString(toolErr.Stderr))
			assert.True(t, utf8.ValidString(err.Error()))
			assert.LessOrEqual(t, len(toolErr.Stderr), maxCapturedOutput+len("...(truncated)"))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 8))
	assert.Equal(t, "ab...(truncated)", truncate("abcd", 2))
	assert.Equal(t, "a...(truncated)", truncate("aé", 2), "never splits a rune")
	assert.Equal(t, "\uFFFDok", truncate(string([]byte{0xff, 'o', 'k'}), 8))
}

func TestInvoker_Invoke_Timeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	inv := New(runner, Config{}, logger.NewNop())

	_, err := inv.Invoke(context.Background(), "a.pdf", t.TempDir(), Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)

	var timeoutErr *domain.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
}

func TestInvoker_Invoke_ParentCanceled(t *testing.T) {
	runner := &fakeRunner{block: true}
	inv := New(runner, Config{}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := inv.Invoke(ctx, "a.pdf", t.TempDir(), Options{Timeout: time.Minute})
	require.ErrorIs(t, err, context.Canceled)

	var timeoutErr *domain.TimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestInvoker_Available(t *testing.T) {
	ok := &fakeRunner{stdout: []byte("mineru 2.0")}
	inv := New(ok, Config{}, logger.NewNop())
	assert.True(t, inv.Available(context.Background()))
	assert.True(t, inv.Available(context.Background()))
	assert.Equal(t, 1, ok.callCount(), "probe result is cached")

	missing := &fakeRunner{err: exec.ErrNotFound}
	assert.False(t, New(missing, Config{}, logger.NewNop()).Available(context.Background()))
}

func TestInvoker_AvailabilityRecheckedAfterCanceledCheck(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	t.Run("tool", func(t *testing.T) {
		runner := &fakeRunner{block: true}
		inv := New(runner, Config{}, logger.NewNop())

		assert.False(t, inv.Available(canceled))

		runner.block = false
		runner.stdout = []byte("mineru 2.0")
		assert.True(t, inv.Available(context.Background()))
		assert.True(t, inv.Available(canceled), "a completed probe is cached")
		assert.Equal(t, 2, runner.callCount())
	})

	t.Run("gpu", func(t *testing.T) {
		runner := &fakeRunner{block: true}
		inv := New(runner, Config{Device: DeviceAuto}, logger.NewNop())

		assert.False(t, inv.GPUAvailable(canceled))

		runner.block = false
		runner.stdout = []byte("GPU 0: NVIDIA L4")
		assert.True(t, inv.GPUAvailable(context.Background()))
		assert.True(t, inv.GPUAvailable(canceled))
		assert.Equal(t, 2, runner.callCount())
	})
}

func TestInvoker_GPUAvailable(t *testing.T) {
	tests := []struct {
		name   string
		device string
		runner *fakeRunner
		want   bool
		probes int
	}{
		{name: "forced gpu", device: DeviceGPU, runner: &fakeRunner{err: exec.ErrNotFound}, want: true, probes: 0},
		{name: "forced cpu", device: DeviceCPU, runner: &fakeRunner{stdout: []byte("GPU 0: A100")}, want: false, probes: 0},
		{name: "probe finds gpu", device: DeviceAuto, runner: &fakeRunner{stdout: []byte("GPU 0: NVIDIA A100 (UUID: x)")}, want: true, probes: 1},
		{name: "probe missing binary", device: DeviceAuto, runner: &fakeRunner{err: exec.ErrNotFound}, want: false, probes: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := New(tt.runner, Config{Device: tt.device}, logger.NewNop())
			assert.Equal(t, tt.want, inv.GPUAvailable(context.Background()))
			assert.Equal(t, tt.want, inv.GPUAvailable(context.Background()))
			assert.Equal(t, tt.probes, tt.runner.callCount())
		})
	}
}

func TestExecRunner_Run(t *testing.T) {
	r := NewExecRunner(logger.NewNop())

	stdout, stderr, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3")
	require.Error(t, err)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestExecRunner_KilledOnDeadline(t *testing.T) {
	r := NewExecRunner(logger.NewNop())
	r.WaitDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := r.Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
