package normalize

import (
	"math"
	"strings"
	"testing"
	"time"
)

// sampleRow builds a 13-field sacct row in the adapter's field order
// (JobID, User, State, ElapsedRaw, AllocCPUS, NNodes, ReqMem, MaxRSS,
// AveRSS, AllocTRES, Submit, Start, End), letting a test override
// individual fields by index.
func sampleRow(overrides map[int]string) string {
	fields := []string{
		"1001", "alice", "COMPLETED", "3600", "4", "1",
		"4000Mc", "1000M", "500M", "cpu=4,gres/gpu=2",
		"2024-01-15T10:00:00", "2024-01-15T11:00:00", "2024-01-15T12:00:00",
	}
	for i, v := range overrides {
		fields[i] = v
	}
	return strings.Join(fields, "|")
}

func TestParseLineFullRecord(t *testing.T) {
	rec, ok := ParseLine(sampleRow(nil))
	if !ok {
		t.Fatal("ParseLine() ok = false, want true")
	}

	wantEnd := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC).Unix()
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"ElapsedHours", rec.ElapsedHours, 1.0},
		{"ClockHours", rec.ClockHours, 4.0},
		{"GPUElapsedHours", rec.GPUElapsedHours, 1.0},
		{"GPUClockHours", rec.GPUClockHours, 2.0},
		{"ReqMemMB", rec.ReqMemMB, 16000.0},
		{"MaxMemMB", rec.MaxMemMB, 1000.0},
		{"AvgMemMB", rec.AvgMemMB, 500.0},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if rec.JobID != "1001" {
		t.Errorf("JobID = %q, want %q", rec.JobID, "1001")
	}
	if rec.User != "alice" {
		t.Errorf("User = %q, want %q", rec.User, "alice")
	}
	if rec.GPUCount != 2 {
		t.Errorf("GPUCount = %d, want 2", rec.GPUCount)
	}
	if rec.EndTS != wantEnd {
		t.Errorf("EndTS = %d, want %d", rec.EndTS, wantEnd)
	}
	if rec.Failed {
		t.Error("Failed = true, want false")
	}
}

func TestParseLineDrops(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty line", ""},
		{"step row", sampleRow(map[int]string{0: "1001.batch"})},
		{"step row extern", sampleRow(map[int]string{0: "1001.extern"})},
		{"empty job id", sampleRow(map[int]string{0: ""})},
		{"empty user", sampleRow(map[int]string{1: ""})},
		{"whitespace user", sampleRow(map[int]string{1: "   "})},
		{"too few fields", "1001|alice|COMPLETED"},
		{"too many fields", sampleRow(nil) + "|extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ParseLine(tt.line); ok {
				t.Errorf("ParseLine(%q) ok = true, want false", tt.line)
			}
		})
	}
}

func TestParseLineUserNormalization(t *testing.T) {
	tests := []struct {
		name string
		user string
		want string
	}{
		{"lowercased", "Alice", "alice"},
		{"realm stripped", "bob@EXAMPLE.COM", "bob"},
		{"realm stripped and lowercased", "Carol@HPC", "carol"},
		{"trimmed", "  dave  ", "dave"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := ParseLine(sampleRow(map[int]string{1: tt.user}))
			if !ok {
				t.Fatalf("ParseLine() ok = false, want true")
			}
			if rec.User != tt.want {
				t.Errorf("User = %q, want %q", rec.User, tt.want)
			}
		})
	}
}

func TestParseLineFailedStates(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"FAILED", true},
		{"NODE_FAIL", true},
		{"OUT_OF_MEMORY", true},
		{"PREEMPTED", true},
		{"TIMEOUT", true},
		{"COMPLETED", false},
		{"RUNNING", false},
		{"CANCELLED", false},
		{"CANCELLED by 1234", false},
		{"FAILED+", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("state "+tt.state, func(t *testing.T) {
			rec, ok := ParseLine(sampleRow(map[int]string{2: tt.state}))
			if !ok {
				t.Fatalf("ParseLine() ok = false, want true")
			}
			if rec.Failed != tt.want {
				t.Errorf("Failed = %v for state %q, want %v", rec.Failed, tt.state, tt.want)
			}
		})
	}
}

func TestParseLineEndTimestamp(t *testing.T) {
	tests := []struct {
		name string
		end  string
		want int64
	}{
		{"valid utc", "2024-03-01T00:00:00", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix()},
		{"unknown", "Unknown", 0},
		{"none", "None", 0},
		{"empty", "", 0},
		{"malformed", "2024-03-01 00:00:00", 0},
		{"date only", "2024-03-01", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := ParseLine(sampleRow(map[int]string{12: tt.end}))
			if !ok {
				t.Fatalf("ParseLine() ok = false, want true")
			}
			if rec.EndTS != tt.want {
				t.Errorf("EndTS = %d, want %d", rec.EndTS, tt.want)
			}
		})
	}
}

func TestParseLineUnparseableNumbers(t *testing.T) {
	rec, ok := ParseLine(sampleRow(map[int]string{3: "oops", 4: "x", 5: ""}))
	if !ok {
		t.Fatalf("ParseLine() ok = false, want true")
	}
	if rec.ElapsedHours != 0 || rec.ClockHours != 0 {
		t.Errorf("ElapsedHours = %v, ClockHours = %v, want both 0", rec.ElapsedHours, rec.ClockHours)
	}
	if rec.ReqMemMB != 0 {
		t.Errorf("ReqMemMB = %v, want 0 (zero CPUs)", rec.ReqMemMB)
	}
}

func TestParseLineNoGPU(t *testing.T) {
	rec, ok := ParseLine(sampleRow(map[int]string{9: "cpu=4,mem=16000M"}))
	if !ok {
		t.Fatalf("ParseLine() ok = false, want true")
	}
	if rec.GPUCount != 0 || rec.GPUElapsedHours != 0 || rec.GPUClockHours != 0 {
		t.Errorf("GPU fields = (%d, %v, %v), want all zero",
			rec.GPUCount, rec.GPUElapsedHours, rec.GPUClockHours)
	}
}

func TestParseLines(t *testing.T) {
	lines := []string{
		sampleRow(nil),
		sampleRow(map[int]string{0: "1001.batch"}),
		sampleRow(map[int]string{0: "1002", 1: "bob"}),
		"",
		"garbage",
	}
	records := ParseLines(lines)
	if len(records) != 2 {
		t.Fatalf("ParseLines() returned %d records, want 2", len(records))
	}
	if records[0].JobID != "1001" || records[1].JobID != "1002" {
		t.Errorf("JobIDs = %q, %q, want 1001, 1002", records[0].JobID, records[1].JobID)
	}
}
