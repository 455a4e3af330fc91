package jobstats

import "math"

// Metric field names as they appear in monthly rollup JSON. Leaderboards
// reference these as "internal" names; the user-facing metric names live in
// the leaderboard package.
const (
	FieldClockHours    = "total_clock_hours"
	FieldElapsedHours  = "total_elapsed_hours"
	FieldMaxMemMB      = "sum_max_mem_MB"
	FieldAvgMemMB      = "sum_avg_mem_MB"
	FieldReqMemMB      = "sum_req_mem_MB"
	FieldGPUJobs       = "count_gpu_jobs"
	FieldGPUClockHours = "total_gpu_clock_hours"
	FieldGPUElapsed    = "gpu_elapsed_hours"
	FieldFailedJobs    = "count_failed_jobs"
)

// Metrics is the per-user metric set accumulated into monthly rollups and
// user aggregates. Struct fields are declared in ascending order of their
// JSON names so encoding/json emits artifacts with sorted keys.
type Metrics struct {
	CountFailedJobs    float64 `json:"count_failed_jobs"`
	CountGPUJobs       float64 `json:"count_gpu_jobs"`
	GPUElapsedHours    float64 `json:"gpu_elapsed_hours"`
	SumAvgMemMB        float64 `json:"sum_avg_mem_MB"`
	SumMaxMemMB        float64 `json:"sum_max_mem_MB"`
	SumReqMemMB        float64 `json:"sum_req_mem_MB"`
	TotalClockHours    float64 `json:"total_clock_hours"`
	TotalElapsedHours  float64 `json:"total_elapsed_hours"`
	TotalGPUClockHours float64 `json:"total_gpu_clock_hours"`
}

// Add accumulates other into m field-wise.
func (m *Metrics) Add(other Metrics) {
	m.CountFailedJobs += other.CountFailedJobs
	m.CountGPUJobs += other.CountGPUJobs
	m.GPUElapsedHours += other.GPUElapsedHours
	m.SumAvgMemMB += other.SumAvgMemMB
	m.SumMaxMemMB += other.SumMaxMemMB
	m.SumReqMemMB += other.SumReqMemMB
	m.TotalClockHours += other.TotalClockHours
	m.TotalElapsedHours += other.TotalElapsedHours
	m.TotalGPUClockHours += other.TotalGPUClockHours
}

// Sub returns the field-wise difference m - other.
func (m Metrics) Sub(other Metrics) Metrics {
	return Metrics{
		CountFailedJobs:    m.CountFailedJobs - other.CountFailedJobs,
		CountGPUJobs:       m.CountGPUJobs - other.CountGPUJobs,
		GPUElapsedHours:    m.GPUElapsedHours - other.GPUElapsedHours,
		SumAvgMemMB:        m.SumAvgMemMB - other.SumAvgMemMB,
		SumMaxMemMB:        m.SumMaxMemMB - other.SumMaxMemMB,
		SumReqMemMB:        m.SumReqMemMB - other.SumReqMemMB,
		TotalClockHours:    m.TotalClockHours - other.TotalClockHours,
		TotalElapsedHours:  m.TotalElapsedHours - other.TotalElapsedHours,
		TotalGPUClockHours: m.TotalGPUClockHours - other.TotalGPUClockHours,
	}
}

// IsZero reports whether every field is exactly zero.
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// Rounded returns a copy with every field rounded to 6 decimal places.
// Monthly rollups and leaderboards store rounded values; user aggregates
// keep full precision.
func (m Metrics) Rounded() Metrics {
	return Metrics{
		CountFailedJobs:    Round6(m.CountFailedJobs),
		CountGPUJobs:       Round6(m.CountGPUJobs),
		GPUElapsedHours:    Round6(m.GPUElapsedHours),
		SumAvgMemMB:        Round6(m.SumAvgMemMB),
		SumMaxMemMB:        Round6(m.SumMaxMemMB),
		SumReqMemMB:        Round6(m.SumReqMemMB),
		TotalClockHours:    Round6(m.TotalClockHours),
		TotalElapsedHours:  Round6(m.TotalElapsedHours),
		TotalGPUClockHours: Round6(m.TotalGPUClockHours),
	}
}

// Value returns the metric identified by its JSON field name.
func (m Metrics) Value(field string) (float64, bool) {
	switch field {
	case FieldClockHours:
		return m.TotalClockHours, true
	case FieldElapsedHours:
		return m.TotalElapsedHours, true
	case FieldMaxMemMB:
		return m.SumMaxMemMB, true
	case FieldAvgMemMB:
		return m.SumAvgMemMB, true
	case FieldReqMemMB:
		return m.SumReqMemMB, true
	case FieldGPUJobs:
		return m.CountGPUJobs, true
	case FieldGPUClockHours:
		return m.TotalGPUClockHours, true
	case FieldGPUElapsed:
		return m.GPUElapsedHours, true
	case FieldFailedJobs:
		return m.CountFailedJobs, true
	}
	return 0, false
}

// UserRow is one user's entry in a monthly rollup document. The embedded
// metric fields precede username, keeping the emitted keys sorted.
type UserRow struct {
	Metrics
	Username string `json:"username"`
}

// Round6 rounds v to 6 decimal places (half away from zero).
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
