package domain

import (
	"fmt"
	"time"
)

// Stats summarizes the structured content found in a converted document
type Stats struct {
	TotalPages    int `json:"total_pages"`
	Tables        int `json:"tables"`
	Figures       int `json:"figures"`
	Formulas      int `json:"formulas"`
	TotalImages   int `json:"total_images"`
	TotalElements int `json:"total_elements"`
}

// JobMetadata is captured at upload time and never changes afterwards
type JobMetadata struct {
	OriginalFilename string
	FileSizeBytes    int64
	UploadedAt       time.Time
}

// Job is one PDF-to-Markdown conversion request
type Job struct {
	JobID            string     `json:"job_id"`
	OriginalFilename string     `json:"original_filename"`
	FileSizeBytes    int64      `json:"file_size_bytes"`
	UploadedAt       time.Time  `json:"uploaded_at"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	CurrentStep      string     `json:"current_step"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds   *float64   `json:"elapsed_seconds,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	Stats            *Stats     `json:"stats,omitempty"`
	MineruSuccess    bool       `json:"mineru_success"`
	FallbackUsed     bool       `json:"fallback_used"`
	Backend          string     `json:"backend,omitempty"`
	Device           string     `json:"device,omitempty"`
}

// JobUpdate carries the fields to change; nil fields are left untouched
type JobUpdate struct {
	Status        *string
	Progress      *int
	CurrentStep   *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
	Stats         *Stats
	MineruSuccess *bool
	FallbackUsed  *bool
	Backend       *string
	Device        *string
}

// NewJob builds the initial record for a fresh upload
func NewJob(jobID string, meta JobMetadata) *Job {
	return &Job{
		JobID:            jobID,
		OriginalFilename: meta.OriginalFilename,
		FileSizeBytes:    meta.FileSizeBytes,
		UploadedAt:       meta.UploadedAt.UTC(),
		Status:           JobStatusUploaded,
		CurrentStep:      StepUploaded,
	}
}

// Clone returns a deep copy so callers never share mutable state with a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ElapsedSeconds != nil {
		v := *j.ElapsedSeconds
		c.ElapsedSeconds = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		c.ErrorMessage = &v
	}
	if j.Stats != nil {
		s := *j.Stats
		c.Stats = &s
	}
	return &c
}

// Apply validates an update against the current snapshot and returns the new snapshot.
// The receiver is never modified.
func (j *Job) Apply(u JobUpdate) (*Job, error) {
	next := j.Clone()

	if u.Status != nil && *u.Status != j.Status {
		if err := checkTransition(j.Status, *u.Status); err != nil {
			return nil, err
		}
		next.Status = *u.Status
	} else if u.Status != nil && *u.Status == JobStatusProcessing {
		return nil, ErrAlreadyProcessing
	} else if u.Status != nil {
		return nil, fmt.Errorf("%w: job is already %s", ErrInvalidStateTransition, j.Status)
	} else if IsTerminalStatus(j.Status) {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidStateTransition, j.Status)
	}

	if u.Progress != nil {
		p := *u.Progress
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("%w: progress %d out of range", ErrInvalidUpdate, p)
		}
		if p < j.Progress {
			return nil, fmt.Errorf("%w: progress cannot go from %d to %d", ErrInvalidUpdate, j.Progress, p)
		}
		next.Progress = p
	}

	if u.CurrentStep != nil {
		next.CurrentStep = *u.CurrentStep
	}

	if u.StartedAt != nil {
		if j.StartedAt != nil {
			return nil, fmt.Errorf("%w: started_at already set", ErrInvalidUpdate)
		}
		t := u.StartedAt.UTC()
		next.StartedAt = &t
	}

	if u.CompletedAt != nil {
		if j.CompletedAt != nil {
			return nil, fmt.Errorf("%w: completed_at already set", ErrInvalidUpdate)
		}
		t := u.CompletedAt.UTC()
		next.CompletedAt = &t
	}

	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		next.ErrorMessage = &msg
	}

	if u.Stats != nil {
		s := *u.Stats
		next.Stats = &s
	}

	if u.MineruSuccess != nil {
		next.MineruSuccess = *u.MineruSuccess
	}
	if u.FallbackUsed != nil {
		next.FallbackUsed = *u.FallbackUsed
	}
	if u.Backend != nil {
		next.Backend = *u.Backend
	}
	if u.Device != nil {
		next.Device = *u.Device
	}

	if err := next.finalizeTerminal(); err != nil {
		return nil, err
	}

	return next, nil
}

// finalizeTerminal enforces the stats/error exclusivity rules and derives elapsed time
func (j *Job) finalizeTerminal() error {
	switch j.Status {
	case JobStatusCompleted:
		if j.Stats == nil {
			return fmt.Errorf("%w: completed job requires stats", ErrInvalidUpdate)
		}
		if j.ErrorMessage != nil {
			return fmt.Errorf("%w: completed job cannot carry an error", ErrInvalidUpdate)
		}
	case JobStatusFailed:
		if j.ErrorMessage == nil || *j.ErrorMessage == "" {
			return fmt.Errorf("%w: failed job requires an error message", ErrInvalidUpdate)
		}
		if j.Stats != nil {
			return fmt.Errorf("%w: failed job cannot carry stats", ErrInvalidUpdate)
		}
	default:
		if j.Stats != nil {
			return fmt.Errorf("%w: stats are only allowed on completed jobs", ErrInvalidUpdate)
		}
		if j.ErrorMessage != nil {
			return fmt.Errorf("%w: error message is only allowed on failed jobs", ErrInvalidUpdate)
		}
		return nil
	}

	if j.CompletedAt == nil {
		return fmt.Errorf("%w: terminal job requires completed_at", ErrInvalidUpdate)
	}
	if j.ElapsedSeconds == nil && j.StartedAt != nil {
		elapsed := j.CompletedAt.Sub(*j.StartedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		j.ElapsedSeconds = &elapsed
	}
	return nil
}

// checkTransition allows only uploaded -> processing -> {completed, failed}
func checkTransition(from, to string) error {
	switch from {
	case JobStatusUploaded:
		if to == JobStatusProcessing {
			return nil
		}
	case JobStatusProcessing:
		if to == JobStatusCompleted || to == JobStatusFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// Ptr returns a pointer to v, for building JobUpdate literals
func Ptr[T any](v T) *T {
	return &v
}
