// Package segment discovers recorded segments on disk and picks the next
// artifact to upload.
//
// A segment is a directory under the root, an artifact is a regular file
// inside it. A segment holding any file with the marker suffix is still
// being written by the recorder and is never offered.
package segment

import (
	"path"
	"time"
)

// Priority is the upload class of an artifact. Lower values go first.
type Priority int

const (
	// PriorityLog is a structured log artifact, raw or already compressed.
	PriorityLog Priority = 0

	// PriorityBulk is any other eligible artifact (camera files etc).
	PriorityBulk Priority = 1
)

// String returns the priority label used in logs and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityLog:
		return "log"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Artifact is a file inside a segment.
type Artifact struct {
	Name string `json:"name"`

	// Key is the remote object key, "<segment>/<name>".
	Key  string `json:"key"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Segment is one recording session directory.
type Segment struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Created   time.Time  `json:"created"`
	Artifacts []Artifact `json:"artifacts"`

	// Locked is set when the segment carries a write marker.
	Locked bool `json:"locked"`
}

// Task is the single artifact chosen for the next upload.
type Task struct {
	Key      string   `json:"key"`
	Path     string   `json:"path"`
	Priority Priority `json:"priority"`
}

// Name returns the artifact file name of the task.
func (t Task) Name() string {
	return path.Base(t.Key)
}

// WithSuffix returns a copy of the task with suffix appended to both the
// key and the local path.
func (t Task) WithSuffix(suffix string) Task {
	t.Key += suffix
	t.Path += suffix

	return t
}
