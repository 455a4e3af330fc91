// Package normalize turns raw sacct pipe-delimited rows into job records.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/slurmboard/slurmboard/internal/units"
)

// Fields is the accounting field order every adapter query requests. A row
// must carry exactly these 13 fields, pipe-delimited.
var Fields = []string{
	"JobID", "User", "State", "ElapsedRaw", "AllocCPUS", "NNodes",
	"ReqMem", "MaxRSS", "AveRSS", "AllocTRES", "Submit", "Start", "End",
}

// FieldList is Fields joined for sacct's -o argument.
var FieldList = strings.Join(Fields, ",")

const fieldCount = 13

const endLayout = "2006-01-02T15:04:05"

// failStates marks a job failed by exact membership of the first
// whitespace-separated token of State. "FAILED+" and "CANCELLED by 123"
// are not members.
var failStates = map[string]bool{
	"FAILED":        true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"TIMEOUT":       true,
}

// Record is one job-level accounting row after normalization. Hours are
// derived from ElapsedRaw seconds; memory values are base-10 MB.
type Record struct {
	JobID           string
	User            string
	State           string
	EndTS           int64
	ElapsedHours    float64
	ClockHours      float64
	GPUCount        int
	GPUElapsedHours float64
	GPUClockHours   float64
	ReqMemMB        float64
	MaxMemMB        float64
	AvgMemMB        float64
	Failed          bool
}

// ParseLine converts one sacct row into a Record. It reports ok=false for
// rows that must be dropped: wrong field count, step rows (JobID containing
// "."), empty JobID, or empty User.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return Record{}, false
	}
	parts := strings.Split(line, "|")
	if len(parts) != fieldCount {
		return Record{}, false
	}
	jobID := parts[0]
	if jobID == "" || strings.Contains(jobID, ".") {
		return Record{}, false
	}
	userRaw := strings.TrimSpace(parts[1])
	if userRaw == "" {
		return Record{}, false
	}
	name, _, _ := strings.Cut(userRaw, "@")
	user := strings.ToLower(name)

	state := strings.TrimSpace(parts[2])

	elapsedHours := parseFloat(parts[3]) / 3600.0
	allocCPUs := parseInt(parts[4])
	nnodes := parseInt(parts[5])
	gpuCount := units.ParseGPUCount(parts[9])

	gpuElapsed := 0.0
	if gpuCount > 0 {
		gpuElapsed = elapsedHours
	}

	failed := false
	if tokens := strings.Fields(state); len(tokens) > 0 {
		failed = failStates[tokens[0]]
	}

	return Record{
		JobID:           jobID,
		User:            user,
		State:           state,
		EndTS:           parseEndTS(parts[12]),
		ElapsedHours:    elapsedHours,
		ClockHours:      float64(allocCPUs) * elapsedHours,
		GPUCount:        gpuCount,
		GPUElapsedHours: gpuElapsed,
		GPUClockHours:   float64(gpuCount) * elapsedHours,
		ReqMemMB:        units.ParseReqMem(parts[6], allocCPUs, nnodes),
		MaxMemMB:        units.ParseMemToMB(parts[7]),
		AvgMemMB:        units.ParseMemToMB(parts[8]),
		Failed:          failed,
	}, true
}

// ParseLines converts a batch of rows, dropping invalid ones.
func ParseLines(lines []string) []Record {
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if rec, ok := ParseLine(line); ok {
			records = append(records, rec)
		}
	}
	return records
}

// parseEndTS parses an End timestamp as UTC unix seconds. "Unknown", "None",
// empty and malformed values mean the job has not finished, reported as 0.
func parseEndTS(val string) int64 {
	if val == "" || val == "Unknown" || val == "None" {
		return 0
	}
	t, err := time.Parse(endLayout, val)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
