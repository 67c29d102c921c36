package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"90m", 90 * time.Minute, true},
		{" 1d ", 24 * time.Hour, true},
		{"2w", 14 * 24 * time.Hour, true},
		{"-1d", -24 * time.Hour, true},
		{"1.5d", 0, false},
		{"xd", 0, false},
		{"w", 0, false},
		{"soon", 0, false},
		{"99999999999w", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "3d"); err != nil || d != 72*time.Hour {
		t.Fatalf("3d = %v, %v", d, err)
	}
	if _, err := ParseDurationField("netatmo.request_interval", "-1s"); err == nil || !strings.Contains(err.Error(), "netatmo.request_interval") {
		t.Fatalf("negative err = %v", err)
	}
	if _, err := ParseDurationField("x", "later"); err == nil {
		t.Fatal("expected error")
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "1w", time.Minute); err != nil || d != 7*24*time.Hour {
		t.Fatalf("1w = %v, %v", d, err)
	}
}
