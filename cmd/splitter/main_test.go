package main

import (
	"path/filepath"
	"testing"
)

func TestRunExitCodes(t *testing.T) {
	t.Setenv("SPLITTER_LOG", "error")
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"--help"}, 0},
		{"bad flag value", []string{"--width", "0"}, 2},
		{"no camera", []string{"--shm-dir", t.TempDir(), "--device-dir", t.TempDir()}, 1},
		{"missing device dir", []string{"--shm-dir", t.TempDir(), "--device-dir", filepath.Join(t.TempDir(), "none")}, 1},
		{"missing shm dir", []string{"--shm-dir", filepath.Join(t.TempDir(), "none")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
