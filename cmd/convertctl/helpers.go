package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-json-experiment/json/jsontext"

	"convertkit/internal/stream"
)

// parseFields turns repeated key=value flags into form fields. Later values
// win.
func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: want key=value", p)
		}
		if key == "file" {
			return nil, fmt.Errorf("invalid field %q: %q is reserved for the upload", p, key)
		}
		fields[key] = value
	}
	return fields, nil
}

// manifest is written next to a downloaded result.
type manifest struct {
	TaskID        string         `json:"task_id"`
	Tool          string         `json:"tool"`
	Input         string         `json:"input"`
	Output        string         `json:"output,omitempty"`
	Bytes         int64          `json:"bytes,omitempty"`
	OriginalSize  *int64         `json:"original_size,omitempty"`
	ProcessedSize *int64         `json:"processed_size,omitempty"`
	Result        jsontext.Value `json:"result,omitempty"`
	FinishedAt    time.Time      `json:"finished_at"`
}

func newManifest(taskID, tool, input string, res *stream.Result) manifest {
	return manifest{
		TaskID:        taskID,
		Tool:          tool,
		Input:         input,
		OriginalSize:  res.OriginalSize,
		ProcessedSize: res.ProcessedSize,
		Result:        res.Raw,
		FinishedAt:    time.Now().UTC(),
	}
}
