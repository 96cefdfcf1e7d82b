// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Recording contains an identifier and the extension-less path of a
// recording. ".mp4", ".webm" or ".json" can be appended to the path
// to get the container or sidecar file.
type Recording struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// RecordingData is marshaled to JSON and saved next to the container file.
type RecordingData struct {
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Codec    string            `json:"codec"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Duration time.Duration     `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewRecordingID generates an identifier that sorts chronologically.
func NewRecordingID(t time.Time, name string) string {
	return t.Format("2006-01-02_15-04-05") + "_" + name
}

// WriteRecordingData writes the sidecar file for the recording at path.
func WriteRecordingData(path string, data RecordingData) error {
	rawData, _ := json.MarshalIndent(data, "", "    ")
	if err := os.WriteFile(path+".json", rawData, 0o600); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	return nil
}

// ReadRecordingData reads the sidecar file for the recording at path.
func ReadRecordingData(path string) (*RecordingData, error) {
	rawData, err := os.ReadFile(path + ".json")
	if err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}

	var data RecordingData
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, fmt.Errorf("unmarshal data file: %w", err)
	}
	return &data, nil
}

// ListRecordings returns every recording in recordingsDir with
// a sidecar file, newest first.
func ListRecordings(recordingsDir string) ([]Recording, error) {
	entries, err := os.ReadDir(recordingsDir)
	if err != nil {
		return nil, fmt.Errorf("read recordings directory: %w", err)
	}

	var recordings []Recording
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		recordings = append(recordings, Recording{
			ID:   id,
			Path: filepath.Join(recordingsDir, id),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ID > recordings[j].ID
	})
	return recordings, nil
}
