package units

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseMemToMB
// ---------------------------------------------------------------------------

func TestParseMemToMB(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{"kilobytes", "1024K", 1.024},
		{"megabytes explicit", "400M", 400.0},
		{"gigabytes", "1G", 1000.0},
		{"terabytes", "1T", 1000000.0},
		{"fractional terabytes", "1.5T", 1500000.0},
		{"lowercase unit", "2g", 2000.0},
		{"no unit means MB", "512", 512.0},
		{"fractional no unit", "0.5", 0.5},
		{"surrounding whitespace", "  64G  ", 64000.0},
		{"empty", "", 0.0},
		{"whitespace only", "   ", 0.0},
		{"garbage", "abc", 0.0},
		{"scientific notation falls back to float", "1e3", 1000.0},
		{"negative falls back to float", "-5", -5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMemToMB(tt.input)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ParseMemToMB(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ParseReqMem
// ---------------------------------------------------------------------------

func TestParseReqMem(t *testing.T) {
	tests := []struct {
		name      string
		reqMem    string
		allocCPUs int
		nnodes    int
		want      float64
	}{
		{"per-cpu scope", "4000Mc", 8, 1, 32000.0},
		{"per-node scope", "64Gn", 1, 2, 128000.0},
		{"implicit per-node", "8G", 1, 2, 16000.0},
		{"uppercase scope suffix", "2GC", 4, 1, 8000.0},
		{"uppercase node suffix", "2GN", 1, 3, 6000.0},
		{"no unit per-cpu", "100c", 2, 1, 200.0},
		{"zero cpus", "4000Mc", 0, 1, 0.0},
		{"negative cpus clamp to zero", "4000Mc", -3, 1, 0.0},
		{"negative nodes clamp to zero", "8G", 1, -2, 0.0},
		{"empty", "", 8, 2, 0.0},
		{"scope suffix only", "c", 8, 2, 0.0},
		{"garbage", "??", 8, 2, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReqMem(tt.reqMem, tt.allocCPUs, tt.nnodes)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ParseReqMem(%q, %d, %d) = %v, want %v",
					tt.reqMem, tt.allocCPUs, tt.nnodes, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ParseGPUCount
// ---------------------------------------------------------------------------

func TestParseGPUCount(t *testing.T) {
	tests := []struct {
		name      string
		allocTRES string
		want      int
	}{
		{"plain gpu token", "gres/gpu=4", 4},
		{"model and plain tokens sum", "gres/gpu:a100=2,gres/gpu=1", 3},
		{"mixed with other tres", "cpu=8,mem=32000M,gres/gpu=4", 4},
		{"billing and node tokens ignored", "billing=8,cpu=8,node=1", 0},
		{"empty", "", 0},
		{"no gpu tokens", "cpu=16,mem=64G", 0},
		{"multiple models", "gres/gpu:v100=2,gres/gpu:a100=4", 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseGPUCount(tt.allocTRES)
			if got != tt.want {
				t.Errorf("ParseGPUCount(%q) = %d, want %d", tt.allocTRES, got, tt.want)
			}
		})
	}
}
