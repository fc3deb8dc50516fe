package service

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"

	"github.com/google/uuid"
)

// RandSource yields a deterministic random stream for one patient and one
// cycle. Injecting the source keeps every generator call reproducible: the
// same cohort seed, patient, and cycle always replay the same trajectory.
type RandSource interface {
	ForPatientCycle(patientID uuid.UUID, cycle int) *rand.Rand
}

// SeededSource derives per-patient-per-cycle streams from a single cohort
// seed. Streams for different patients or cycles are independent, so the
// worker pool can generate patients in any order without changing results.
type SeededSource struct {
	seed int64
}

// NewSeededSource creates a source rooted at the cohort seed.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{seed: seed}
}

// ForPatientCycle returns the stream for one patient and cycle. The
// derivation hashes the patient ID and cycle into the cohort seed with
// FNV-1a.
func (s *SeededSource) ForPatientCycle(patientID uuid.UUID, cycle int) *rand.Rand {
	h := fnv.New64a()
	h.Write(patientID[:])

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(s.seed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(cycle))
	h.Write(buf[:])

	return rand.New(rand.NewSource(int64(h.Sum64())))
}
