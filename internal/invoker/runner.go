package invoker

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// maxCapturedOutput caps stdout/stderr carried in logs and errors
const maxCapturedOutput = 8 << 10

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands as child processes
type ExecRunner struct {
	logger *slog.Logger
	// WaitDelay bounds how long we wait for pipes after the process is killed
	WaitDelay time.Duration
}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger, WaitDelay: 5 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.WaitDelay
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		r.logger.Error("exec failed",
			slog.String("cmd", name),
			slog.String("args", strings.Join(args, " ")),
			slog.Int64("duration_ms", dur.Milliseconds()),
			slog.Any("error", err),
			slog.String("stderr", truncate(errb.String(), maxCapturedOutput)),
		)
	} else {
		r.logger.Debug("exec ok",
			slog.String("cmd", name),
			slog.String("args", strings.Join(args, " ")),
			slog.Int64("duration_ms", dur.Milliseconds()),
			slog.Int("stdout_bytes", out.Len()),
			slog.Int("stderr_bytes", errb.Len()),
		)
	}

	return out.Bytes(), errb.Bytes(), err
}

// truncate replaces invalid UTF-8 and caps s at max bytes on a rune boundary
func truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
