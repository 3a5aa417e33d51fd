package backend

import (
	"context"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further updates will follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one conversion request and everything known about its progress.
type Job struct {
	ID            string            `json:"id"`
	Tool          string            `json:"tool"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Filename      string            `json:"filename"`
	Fields        map[string]string `json:"fields,omitempty"`
	Percent       int               `json:"percent"`
	Message       string            `json:"message,omitempty"`
	Error         string            `json:"error,omitempty"`
	InputPath     string            `json:"input_path"`
	OutputPath    string            `json:"output_path,omitempty"`
	OutputName    string            `json:"output_name,omitempty"`
	OriginalSize  int64             `json:"original_size"`
	ProcessedSize int64             `json:"processed_size,omitempty"`
}

// Input is what a Processor works on.
type Input struct {
	Path      string
	Filename  string
	Fields    map[string]string
	OutputDir string
}

// Output describes the file a Processor produced.
type Output struct {
	Path     string
	Filename string
	Size     int64
}

// ReportFunc publishes intermediate progress of a running job.
type ReportFunc func(percent int, stage string)

// Processor converts one input. It must return promptly once ctx is done.
type Processor func(ctx context.Context, in Input, report ReportFunc) (Output, error)

// Update is one notification pushed to stream watchers.
type Update struct {
	Percent int
	Message string
}

type Options struct {
	DataDir            string
	MaxConcurrentTasks int
	Processors         map[string]Processor
}

const (
	defaultMaxConcurrent = 3
	watcherBuffer        = 16
)
