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

package main

import (
	"strings"
	"testing"
)

// Every command defers Close on the bootstrap closer, so it must be
// callable under the default config, where no log file is opened.
func TestBootstrapCloserWithDefaultConfig(t *testing.T) {
	_, log, closer, err := bootstrap("")
	if err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}
	if log == nil {
		t.Fatal("bootstrap() returned nil logger")
	}
	if closer == nil {
		t.Fatal("bootstrap() returned nil closer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestMysqlDSN(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", "user:pass@tcp(localhost:3306)/atelier", false},
		{"with params", "user:pass@tcp(localhost:3306)/atelier?charset=utf8mb4", false},
		{"already set", "user:pass@tcp(localhost:3306)/atelier?parseTime=true", false},
		{"missing database slash", "user:pass@tcp(localhost:3306)", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mysqlDSN(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("mysqlDSN(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !strings.Contains(got, "parseTime=true") {
				t.Errorf("mysqlDSN(%q) = %q, want parseTime=true in DSN", tt.in, got)
			}
		})
	}
}
