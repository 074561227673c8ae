// Package main provides a hook that appends recognized plates to a CSV file.
//
// Build it into the hook directory next to hook.json:
//
//	go build -o ~/.platewatch/hooks/plate-log/plate-log ./hooks/plate-log
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Request is the input from the hook executor.
type Request struct {
	Event      string          `json:"event"`
	CameraID   int             `json:"camera_id"`
	Plate      string          `json:"plate"`
	DetectedAt time.Time       `json:"detected_at"`
	Config     json.RawMessage `json:"config"`
}

// Response is the output to the hook executor.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Config is the hook's manifest config.
type Config struct {
	File string `json:"file"`
}

func main() {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	if req.Event != "plate_detected" {
		writeErrorResponse(fmt.Sprintf("unknown event: %s", req.Event))
		return
	}

	cfg := Config{File: "plates.csv"}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErrorResponse(fmt.Sprintf("failed to parse config: %v", err))
			return
		}
	}

	if err := appendRow(cfg.File, req); err != nil {
		writeErrorResponse(err.Error())
		return
	}

	writeSuccessResponse()
}

// appendRow writes one "detected_at,camera_id,plate" line to path.
func appendRow(path string, req Request) error {
	if req.Plate == "" {
		return fmt.Errorf("plate is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{
		req.DetectedAt.UTC().Format(time.RFC3339),
		strconv.Itoa(req.CameraID),
		req.Plate,
	})
	w.Flush()
	return w.Error()
}

func writeSuccessResponse() {
	json.NewEncoder(os.Stdout).Encode(Response{Success: true})
}

func writeErrorResponse(msg string) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: false, Error: msg})
}
