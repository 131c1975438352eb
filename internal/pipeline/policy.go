package pipeline

import "github.com/cuongbtq/paper-loom/internal/domain"

// attempt names one entry of the retry policy
type attempt string

const (
	attemptGPU      attempt = "gpu"
	attemptCPURetry attempt = "cpu_retry"
	attemptFallback attempt = "fallback"
	attemptFailJob  attempt = "fail_job"
)

// rule describes what an attempt reports and where a recoverable failure leads
type rule struct {
	progress  int
	step      string
	onFailure attempt
}

// policy is the retry table walked by a run. Only tool errors
// (domain.IsRecoverableToolError) move to onFailure; anything else fails the job.
var policy = map[attempt]rule{
	attemptGPU:      {progress: progressGPU, step: domain.StepInvokingOCR, onFailure: attemptCPURetry},
	attemptCPURetry: {progress: progressCPURetry, step: domain.StepRetryingCPU, onFailure: attemptFallback},
	attemptFallback: {progress: progressFallback, step: domain.StepFallback, onFailure: attemptFailJob},
}

// Progress checkpoints
const (
	progressStarted   = 5
	progressGPU       = 10
	progressCPURetry  = 35
	progressFallback  = 50
	progressNormalize = 75
	progressFinalize  = 90
	progressDone      = 100
)

// firstAttempt picks the entry point of the policy table
func firstAttempt(toolAvailable, gpuAvailable bool) attempt {
	switch {
	case !toolAvailable:
		return attemptFallback
	case gpuAvailable:
		return attemptGPU
	default:
		return attemptCPURetry
	}
}
