package domain

import "errors"

// ErrResultExpired marks a signed result URL that can no longer be fetched.
var ErrResultExpired = errors.New("result url expired")

// JobState is the normalized status of a backend generation job.
type JobState string

const (
	JobQueued           JobState = "queued"
	JobProcessing       JobState = "processing"
	JobReady            JobState = "ready"
	JobError            JobState = "error"
	JobContentModerated JobState = "content_moderated"
	JobRequestModerated JobState = "request_moderated"
)

// Terminal reports whether polling should stop.
func (s JobState) Terminal() bool {
	switch s {
	case JobReady, JobError, JobContentModerated, JobRequestModerated:
		return true
	default:
		return false
	}
}

// SubmitRequest is one backend generation job.
type SubmitRequest struct {
	Prompt    string
	Image     []byte
	Mask      []byte
	Mode      EditMode
	Seed      int64
	RequestID string
	Index     int
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID         string
	PollingURL string
}

// JobStatus is one poll observation. ResultRef is set once the job is ready.
type JobStatus struct {
	State     JobState
	ResultRef string
	Message   string
}

// ImageMeta is the context handed to the prompt optimizer: the source image
// geometry plus the requester's locale.
type ImageMeta struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      string `json:"format"`
	Orientation string `json:"orientation"`
	Locale      string `json:"locale,omitempty"`
}
