package main

import (
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
		{"bad url", []string{"--url", "udp://nowhere"}, 2},
		{"no service", []string{"--shm-dir", t.TempDir()}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
