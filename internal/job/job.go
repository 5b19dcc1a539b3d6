package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

type Status string

const (
	Pending    Status = "pending"
	Validating Status = "validating"
	Fetching   Status = "fetching"
	Fixing     Status = "fixing"
	Persisting Status = "persisting"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Rejected   Status = "rejected"
)

var statusOrder = map[Status]int{
	Pending:    0,
	Validating: 1,
	Fetching:   2,
	Fixing:     3,
	Persisting: 4,
	Completed:  5,
}

func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Rejected
}

func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok || s == Failed || s == Rejected
}

// CanTransitionTo enforces that jobs only ever move forward through the
// pipeline. Failed and Rejected may be entered from any non-terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}

	if next == Failed || next == Rejected {
		return true
	}

	return statusOrder[next] > statusOrder[s]
}

type (
	// RequestOverride customises the request made when fetching a job with
	// the raw strategy (and the headers presented by the extractor).
	RequestOverride struct {
		Method  string            `json:"method,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	}

	// Options are free-form, per-job tuning knobs supplied at submission.
	Options struct {
		// Format is passed to the extractor as its format selector.
		Format string `mapstructure:"format"`
		// DetectScenes requests scene analysis for video results.
		DetectScenes bool `mapstructure:"detectScenes"`
		// CropBars requests removal of solid black or white borders from
		// video results.
		CropBars bool `mapstructure:"cropBars"`
	}

	ResultMeta struct {
		MimeType   string `json:"mimeType"`
		Extension  string `json:"extension"`
		Size       int64  `json:"size"`
		Digest     string `json:"digest"`
		Container  string `json:"container,omitempty"`
		VideoCodec string `json:"videoCodec,omitempty"`
		AudioCodec string `json:"audioCodec,omitempty"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		Duration   string `json:"duration,omitempty"`
		Strategy   string `json:"strategy,omitempty"`
		Converted  bool   `json:"converted"`
	}

	// Scene is a contiguous segment of a video, as detected by the scene
	// analyzer. Times are in seconds from the start of the video.
	Scene struct {
		Index int     `json:"index"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	}

	Job struct {
		ID              uuid.UUID
		ClientID        uuid.UUID
		SourceURL       string
		Tags            []string
		SkipFixing      bool
		Override        *RequestOverride
		RawOptions      map[string]any
		Status          Status
		ResultPath      *string
		ResultMeta      *ResultMeta
		Scenes          []Scene
		ErrorDetail     *string
		StagingPath     *string
		Attempts        int
		CancelRequested bool
		ClaimedBy       *string
		LeaseExpiresAt  *time.Time
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}
)

func (s Status) String() string { return string(s) }

// Options decodes the jobs free-form options in to the typed Options struct.
// Unknown keys are ignored.
func (job *Job) Options() (Options, error) {
	var opts Options
	if len(job.RawOptions) == 0 {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: &opts})
	if err != nil {
		return opts, fmt.Errorf("failed to create options decoder: %w", err)
	}

	if err := decoder.Decode(job.RawOptions); err != nil {
		return opts, fmt.Errorf("job options malformed: %w", err)
	}

	return opts, nil
}

func (job *Job) String() string {
	return fmt.Sprintf("Job{id=%s client=%s status=%s attempts=%d}", job.ID, job.ClientID, job.Status, job.Attempts)
}
