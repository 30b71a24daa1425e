// Package task provides the Task aggregate for album processing: one
// uploaded video and the frames derived from it. It includes the status
// state machine, the persistence capability implemented by every data
// source, and the service that runs the extraction pipeline.
package task

import (
	"errors"
	"time"
)

// Status represents the current state of a Task.
type Status string

const (
	// StatusPending indicates the video was uploaded and awaits processing.
	StatusPending Status = "pending"
	// StatusProcessing indicates frames are being extracted or converted.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates every frame was converted and recorded.
	StatusCompleted Status = "completed"
	// StatusFailed indicates processing stopped on an error.
	StatusFailed Status = "failed"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// IsValid returns true if the status is one of the known states.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition checks if a transition from one status to another is valid.
// Re-asserting the current non-terminal status is allowed, since progress
// updates carry the status along with them.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status from which to can be reached, in a
// stable order. SQL adapters use it to guard updates in a single statement.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Task is one uploaded video and its album of frames.
type Task struct {
	// ID is the unique identifier for this task; it doubles as the album ID.
	ID string
	// OriginalFilename is the name of the uploaded file.
	OriginalFilename string
	// AlbumName is the display name, the filename without extension.
	AlbumName string
	// TotalFrames is the frame count reported by ffprobe, or the number
	// of extracted frames when probing could not tell.
	TotalFrames int
	// Resolution is "<width>x<height>" once probed.
	Resolution string
	// Status is the current task state.
	Status Status
	// Progress is the percentage of completion (0-100). It never decreases.
	Progress int
	// Error contains the failure message if the task failed.
	Error string
	// CreatedAt is when the task was created.
	CreatedAt time.Time
	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time
}

// Clone creates a copy of the task for safe reads.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// CurrentFrame estimates the frame being worked on from the overall progress.
func (t *Task) CurrentFrame() int {
	if t.TotalFrames <= 0 {
		return 0
	}
	return t.Progress * t.TotalFrames / 100
}

// EstimatedRemaining linearly extrapolates the time left from the time
// spent so far. It is zero unless the task is processing with some progress.
func (t *Task) EstimatedRemaining(now time.Time) time.Duration {
	if t.Status != StatusProcessing || t.Progress <= 0 || t.TotalFrames <= 0 {
		return 0
	}
	elapsed := now.Sub(t.CreatedAt)
	if elapsed <= 0 {
		return 0
	}
	total := time.Duration(float64(elapsed) / (float64(t.Progress) / 100))
	return max(0, total-elapsed)
}

// Image is one converted frame of an album.
type Image struct {
	// ID is the unique identifier for this image.
	ID string
	// TaskID is the owning task.
	TaskID string
	// FrameNumber is the 1-based position of the frame in the video.
	FrameNumber int
	// Filename is the base name of the HEIC file.
	Filename string
	// FilePath is the HEIC path relative to the albums root.
	FilePath string
	// ThumbnailPath is the JPEG thumbnail path relative to the albums root.
	ThumbnailPath string
	// FileSize is the HEIC size in bytes, zero when unknown.
	FileSize int64
	// Favorite marks the image as starred by the user.
	Favorite bool
	// CreatedAt is when the image was recorded.
	CreatedAt time.Time
}

// NewImage carries the fields needed to record a converted frame.
type NewImage struct {
	TaskID        string
	FrameNumber   int
	Filename      string
	FilePath      string
	ThumbnailPath string
	FileSize      int64
}

// StatusUpdate carries the optional fields written alongside a status change.
// Nil fields are left untouched.
type StatusUpdate struct {
	TotalFrames *int
	Resolution  *string
	Error       *string
}
