// Package units parses Slurm accounting quantities. Memory conversions are
// base-10: K=1e3, M=1e6, G=1e9, T=1e12 bytes, and results are megabytes
// (1 MB = 1e6 bytes).
package units

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	memRe      = regexp.MustCompile(`^\s*([0-9]*\.?[0-9]+)([KkMmGgTt])?\s*$`)
	gpuTokenRe = regexp.MustCompile(`gres/gpu[^=]*=(\d+)`)
)

var unitBytes = map[string]float64{
	"K": 1e3,
	"M": 1e6,
	"G": 1e9,
	"T": 1e12,
}

const bytesPerMB = 1e6

// ParseMemToMB converts a Slurm memory string such as "1234K", "400M", "2G"
// or "1.5T" to megabytes. A missing unit means MB. Unparseable input yields 0.
func ParseMemToMB(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	m := memRe.FindStringSubmatch(s)
	if m == nil {
		// Scientific notation and signed values land here.
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
		return 0
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := strings.ToUpper(m[2])
	mult, ok := unitBytes[unit]
	if !ok {
		mult = 1e6
	}
	return num * mult / bytesPerMB
}

// ParseReqMem converts a ReqMem field to total requested MB. A trailing
// "c" scopes the value per CPU, "n" per node; no suffix means per node.
// Negative CPU or node counts count as zero.
func ParseReqMem(reqMem string, allocCPUs, nnodes int) float64 {
	s := strings.TrimSpace(reqMem)
	if s == "" {
		return 0
	}
	scope := "n"
	switch s[len(s)-1] {
	case 'c', 'C':
		scope = "c"
		s = s[:len(s)-1]
	case 'n', 'N':
		s = s[:len(s)-1]
	}
	baseMB := ParseMemToMB(s)
	if scope == "c" {
		return baseMB * float64(max(allocCPUs, 0))
	}
	return baseMB * float64(max(nnodes, 0))
}

// ParseGPUCount sums GPU allocations out of an AllocTRES string. Tokens
// look like "gres/gpu=4" or "gres/gpu:a100=2"; everything else is ignored.
func ParseGPUCount(allocTRES string) int {
	if allocTRES == "" {
		return 0
	}
	total := 0
	for _, token := range strings.Split(allocTRES, ",") {
		m := gpuTokenRe.FindStringSubmatch(token)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
