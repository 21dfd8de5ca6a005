package main

import (
	"math"
	"strings"
	"testing"

	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/motion"
	"github.com/gwillem/ruka/pkg/server"
)

func TestDialAddr(t *testing.T) {
	tests := []struct {
		listen, expected string
	}{
		{"0.0.0.0:8000", "127.0.0.1:8000"},
		{":8000", "127.0.0.1:8000"},
		{"[::]:9000", "127.0.0.1:9000"},
		{"raspberrypi.local:8000", "raspberrypi.local:8000"},
		{"http://hand:8000", "http://hand:8000"},
	}
	for _, tt := range tests {
		if got := dialAddr(tt.listen); got != tt.expected {
			t.Errorf("dialAddr(%q) = %q, want %q", tt.listen, got, tt.expected)
		}
	}
}

func TestFingerPositions(t *testing.T) {
	st := &server.State{Channels: []motion.ChannelState{
		{Channel: 6, Normalized: 0.5},
		{Channel: 7, Normalized: 1},
		{Channel: 8, Normalized: 0.2},
	}}

	got := fingerPositions(st)
	if len(got) != 2 {
		t.Fatalf("got %d fingers, want 2: %v", len(got), got)
	}
	if math.Abs(got[hand.Index]-75) > 1e-9 {
		t.Errorf("index = %v, want 75", got[hand.Index])
	}
	if math.Abs(got[hand.Thumb]-20) > 1e-9 {
		t.Errorf("thumb = %v, want 20", got[hand.Thumb])
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(&server.State{
		Running:   true,
		Rate:      50,
		Smoothing: 0.15,
		Channels: []motion.ChannelState{
			{Channel: 6, JointName: "index_mcp", TargetPulse: 1800, CurrentPulse: 1200, Normalized: 0.4, Velocity: 300},
		},
	})
	for _, want := range []string{"index_mcp", "1800", "1200", "40%", "50 Hz"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output lacks %q:\n%s", want, out)
		}
	}
}
