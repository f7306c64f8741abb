// Package validation implements the mining.submit validation pipeline:
// basic field checks, job-freshness checks, and proof-of-work checks, run
// in that order so cheap checks reject malformed or stale submissions
// before a digest is ever computed.
package validation

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

// Share is one submitted mining.submit attempt, decoded into typed fields
// by the Stratum protocol layer.
type Share struct {
	JobID  string
	Nonce2 string
}

// JobTemplate is the subset of a Stratum job a Share is validated against.
type JobTemplate struct {
	ID         string
	CreatedAt  time.Time
	Generation uint64
}

// Validator holds the bounds a submitted share must satisfy.
type Validator struct {
	maxJobAge time.Duration
}

// NewValidator creates a Validator. maxJobAge <= 0 uses DefaultMaxJobAge.
func NewValidator(maxJobAge time.Duration) *Validator {
	if maxJobAge <= 0 {
		maxJobAge = DefaultMaxJobAge
	}
	return &Validator{maxJobAge: maxJobAge}
}

// DefaultMaxJobAge bounds how long a pushed job remains submittable before
// it is considered stale, independent of the bounded job-store eviction a
// session also applies.
const DefaultMaxJobAge = 2 * time.Minute

// ValidateBasicFields checks that the share's fields are present and well
// formed, before any job lookup or hashing happens.
func (v *Validator) ValidateBasicFields(share Share) error {
	if share.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if share.Nonce2 == "" {
		return fmt.Errorf("nonce2 is required")
	}
	if !isValidHex(share.Nonce2) {
		return fmt.Errorf("nonce2 is not valid hex")
	}
	return nil
}

// ValidateJob checks that the share references a job this session still
// recognizes and that the job has not aged out.
func (v *Validator) ValidateJob(share Share, job JobTemplate) error {
	if job.ID == "" {
		return fmt.Errorf("job template not found")
	}
	if share.JobID != job.ID {
		return fmt.Errorf("job id mismatch")
	}
	if v.maxJobAge > 0 && !job.CreatedAt.IsZero() && time.Since(job.CreatedAt) > v.maxJobAge {
		return fmt.Errorf("job is stale")
	}
	return nil
}

// ValidateProofOfWork checks that a digest already computed by the caller
// (the Stratum session's spliced candidate Work) meets the session's
// current difficulty target. The hash itself is computed by
// internal/chainweb, not here -- this stage only judges the result,
// mirroring how the difficulty and cryptographic checks are kept distinct
// stages in the pipeline.
func (v *Validator) ValidateProofOfWork(digest [32]byte, target chainweb.Target) error {
	if !target.Meets(digest) {
		return fmt.Errorf("hash does not meet difficulty target")
	}
	return nil
}

// isValidHex checks if a string is valid hexadecimal.
func isValidHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
