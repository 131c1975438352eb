package domain

// Job status constants
const (
	JobStatusUploaded   = "uploaded"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Pipeline step labels reported through Job.CurrentStep
const (
	StepUploaded      = "uploaded"
	StepInvokingOCR   = "invoking OCR"
	StepWaitingForGPU = "waiting for OCR slot"
	StepRetryingCPU   = "retrying OCR on CPU"
	StepFallback      = "extracting text (fallback)"
	StepNormalizing   = "normalizing output"
	StepFinalizing    = "finalizing result"
	StepCompleted     = "completed"
	StepFailed        = "failed"
)

// Canonical result layout names
const (
	UploadFileName   = "original.pdf"
	OutputMarkdown   = "output.md"
	OutputImagesDir  = "images"
	OutputMetadata   = "metadata.json"
	RawOutputDirName = ".raw"
)

// IsTerminalStatus reports whether no further transitions are allowed from status.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// IsValidStatus reports whether status is one of the job statuses
func IsValidStatus(status string) bool {
	switch status {
	case JobStatusUploaded, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}
