// Copyright 2026 The Atelier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// Commands defer Close on the returned closer unconditionally, so it
// must be safe to call even when no log file was configured.
func TestSetupCloserWithoutFile(t *testing.T) {
	log, closer, err := Setup(Options{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if log == nil {
		t.Fatal("Setup() returned nil logger")
	}
	if closer == nil {
		t.Fatal("Setup() returned nil closer for stderr logging")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atelier.log")

	log, closer, err := Setup(Options{Format: "json", File: path})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	log.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output in file")
	}
}

func TestSetupRejectsBadOptions(t *testing.T) {
	if _, _, err := Setup(Options{Level: "verbose"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := Setup(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
