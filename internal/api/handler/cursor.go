package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
)

// JobCursor marks the last job of a page in upload order
type JobCursor struct {
	UploadedAt time.Time
	JobID      string
}

// after reports whether job sorts strictly after the cursor
func (c *JobCursor) after(job *domain.Job) bool {
	if c == nil {
		return true
	}
	if job.UploadedAt.Equal(c.UploadedAt) {
		return job.JobID > c.JobID
	}
	return job.UploadedAt.After(c.UploadedAt)
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var uploadedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &uploadedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid uploadedAt in cursor: %w", err)
	}

	return &JobCursor{
		UploadedAt: time.Unix(0, uploadedAt).UTC(),
		JobID:      decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.UploadedAt.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
