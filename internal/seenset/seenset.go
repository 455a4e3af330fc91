// Package seenset tracks which job IDs a month has already absorbed, using a
// bloom filter persisted per (cluster, month) on the shared filesystem.
//
// File format: one JSON header line {"k":…,"m":…,"n":…,"p":…} followed by
// exactly ceil(m/8) raw bitset bytes. The format is deterministic so nodes
// sharing the artifact tree read each other's files.
package seenset

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	mbits "math/bits"
	"os"

	"github.com/slurmboard/slurmboard/internal/fsio"
)

const (
	DefaultExpectedN = 1_000_000
	DefaultP         = 1e-4
)

// h2 must never be zero or every probe would land on the same bit.
const oddGamma = 0x9e3779b97f4a7c15

// header field order keeps the emitted JSON keys sorted.
type header struct {
	K int     `json:"k"`
	M uint64  `json:"m"`
	N uint64  `json:"n"`
	P float64 `json:"p"`
}

// Set is a bloom filter over job IDs. n counts approximate distinct inserts
// (an insert that sets no new bit does not count).
type Set struct {
	m    uint64
	k    int
	n    uint64
	p    float64
	bits []byte
}

// Derive sizes a filter for expectedN keys at target false-positive
// probability p: m = ceil(-(n·ln p)/(ln 2)²), k = round((m/n)·ln 2), at
// least 1. A non-positive expectedN counts as 1.
func Derive(expectedN int, p float64) (m uint64, k int) {
	if expectedN <= 0 {
		expectedN = 1
	}
	ln2 := math.Ln2
	mf := -(float64(expectedN) * math.Log(p)) / (ln2 * ln2)
	m = uint64(math.Ceil(mf))
	k = int(math.Round(float64(m) / float64(expectedN) * ln2))
	if k < 1 {
		k = 1
	}
	return m, k
}

// New builds an empty filter sized by Derive.
func New(expectedN int, p float64) *Set {
	m, k := Derive(expectedN, p)
	return &Set{
		m:    m,
		k:    k,
		p:    p,
		bits: make([]byte, (m+7)/8),
	}
}

// double hashing over a SHA-1 digest: index i = (h1 + i·h2) mod m.
func (s *Set) hashPair(key string) (uint64, uint64) {
	digest := sha1.Sum([]byte(key))
	h1 := binary.BigEndian.Uint64(digest[0:8])
	h2 := binary.BigEndian.Uint64(digest[8:16])
	if h2 == 0 {
		h2 = oddGamma
	}
	return h1, h2
}

func (s *Set) getBit(idx uint64) bool {
	return s.bits[idx>>3]&(1<<(idx&7)) != 0
}

func (s *Set) setBit(idx uint64) {
	s.bits[idx>>3] |= 1 << (idx & 7)
}

// Add inserts key. n increments only when at least one probed bit was
// previously clear.
func (s *Set) Add(key string) {
	h1, h2 := s.hashPair(key)
	newBit := false
	for i := 0; i < s.k; i++ {
		idx := (h1 + uint64(i)*h2) % s.m
		if !s.getBit(idx) {
			newBit = true
			s.setBit(idx)
		}
	}
	if newBit {
		s.n++
	}
}

// Contains reports whether key was (probably) added before. False positives
// occur at roughly the filter's estimated FPR; false negatives never.
func (s *Set) Contains(key string) bool {
	h1, h2 := s.hashPair(key)
	for i := 0; i < s.k; i++ {
		if !s.getBit((h1 + uint64(i)*h2) % s.m) {
			return false
		}
	}
	return true
}

// Count returns the approximate number of distinct keys added.
func (s *Set) Count() uint64 { return s.n }

// EstimatedFPR is the theoretical false-positive rate at the current fill:
// (1 - e^(-k·n/m))^k.
func (s *Set) EstimatedFPR() float64 {
	if s.m == 0 {
		return 1.0
	}
	return math.Pow(1.0-math.Exp(-float64(s.k)*float64(s.n)/float64(s.m)), float64(s.k))
}

// Stats is a point-in-time summary of one filter, served by the API and
// logged after reductions.
type Stats struct {
	Bytes      int     `json:"bytes"`
	FillRatio  float64 `json:"fill_ratio"`
	FilledBits int     `json:"filled_bits"`
	K          int     `json:"k"`
	M          uint64  `json:"m"`
	N          uint64  `json:"n"`
	PEstimate  float64 `json:"p_estimate"`
	PTarget    float64 `json:"p_target"`
}

func (s *Set) Stats() Stats {
	filled := 0
	for _, b := range s.bits {
		filled += mbits.OnesCount8(b)
	}
	return Stats{
		Bytes:      len(s.bits),
		FillRatio:  float64(filled) / float64(s.m),
		FilledBits: filled,
		K:          s.k,
		M:          s.m,
		N:          s.n,
		PEstimate:  s.EstimatedFPR(),
		PTarget:    s.p,
	}
}

// Save writes the filter atomically (temp file + rename in the target
// directory).
func (s *Set) Save(path string) error {
	hdr, err := json.Marshal(header{K: s.k, M: s.m, N: s.n, P: s.p})
	if err != nil {
		return fmt.Errorf("encode seen-set header: %w", err)
	}
	buf := make([]byte, 0, len(hdr)+1+len(s.bits))
	buf = append(buf, hdr...)
	buf = append(buf, '\n')
	buf = append(buf, s.bits...)
	return fsio.WriteAtomic(path, buf)
}

// Load reads a filter from disk. Any structural problem (missing header
// line, bad JSON, degenerate sizing, bitset length mismatch) is an error;
// callers quarantine and rebuild.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("seen-set %s: missing header line", path)
	}
	var hdr header
	if err := json.Unmarshal(data[:nl], &hdr); err != nil {
		return nil, fmt.Errorf("seen-set %s: decode header: %w", path, err)
	}
	if hdr.M == 0 || hdr.K < 1 {
		return nil, fmt.Errorf("seen-set %s: degenerate header m=%d k=%d", path, hdr.M, hdr.K)
	}
	bits := data[nl+1:]
	if want := int((hdr.M + 7) / 8); len(bits) != want {
		return nil, fmt.Errorf("seen-set %s: bitset length %d, want %d", path, len(bits), want)
	}
	return &Set{m: hdr.M, k: hdr.K, n: hdr.N, p: hdr.P, bits: bits}, nil
}

// LoadOrCreate loads the filter at path, quarantining a corrupt file to
// <path>.bad and building a fresh one in its place. Fresh filters are saved
// immediately so the file exists after first touch. The returned flag
// reports whether a fresh filter was created.
func LoadOrCreate(path string, expectedN int, p float64) (*Set, bool, error) {
	if _, err := os.Stat(path); err == nil {
		set, err := Load(path)
		if err == nil {
			return set, false, nil
		}
		if qerr := fsio.Quarantine(path); qerr != nil {
			return nil, false, fmt.Errorf("quarantine seen-set %s: %w", path, qerr)
		}
	}
	set := New(expectedN, p)
	if err := set.Save(path); err != nil {
		return nil, false, err
	}
	return set, true, nil
}
