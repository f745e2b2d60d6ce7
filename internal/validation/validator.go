package validation

import (
	"strings"
	"time"
	"unicode"

	"github.com/devrev/pairdb/replicamon/internal/config"
	"github.com/devrev/pairdb/replicamon/internal/errors"
	"github.com/devrev/pairdb/replicamon/internal/model"
)

const (
	// MaxKeySize bounds a sync write's key, mirroring the wire codec's
	// own framing limit.
	MaxKeySize = 1024

	// MinSyncWriteTimeout and MaxSyncWriteTimeout bound what a client may
	// request; below the minimum a single lost ack round-trip would spuriously
	// time out the write, above the maximum a hung write would hold the
	// HPS/HCS cursors back for too long.
	MinSyncWriteTimeout = 100 * time.Millisecond
	MaxSyncWriteTimeout = 5 * time.Minute

	// MaxPartitionID bounds a partition identifier's length.
	MaxPartitionID = 256
)

// Validator validates inbound replication messages and configuration
// before they reach the durability monitor, where a malformed input
// would otherwise surface as a ProgrammerError and kill the partition.
type Validator struct {
	maxKeySize int
}

// NewValidator creates a new validator with default limits.
func NewValidator() *Validator {
	return &Validator{maxKeySize: MaxKeySize}
}

// NewValidatorWithLimits creates a validator with a custom key size limit.
func NewValidatorWithLimits(maxKeySize int) *Validator {
	return &Validator{maxKeySize: maxKeySize}
}

// ValidatePartitionID validates a partition (vbucket) identifier.
func (v *Validator) ValidatePartitionID(vbid string) error {
	if vbid == "" {
		return errors.InvalidArgument("partition id cannot be empty", nil)
	}
	if len(vbid) > MaxPartitionID {
		return errors.InvalidArgument("partition id exceeds maximum length", nil)
	}
	if strings.ContainsRune(vbid, 0) {
		return errors.InvalidArgument("partition id cannot contain null bytes", nil)
	}
	return nil
}

// ValidateKey validates a sync write's key.
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidArgument("key exceeds maximum size", nil)
	}
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidArgument("key cannot contain control characters", nil)
		}
	}
	if strings.ContainsRune(key, 0) {
		return errors.InvalidArgument("key cannot contain null bytes", nil)
	}
	return nil
}

// ValidateRequirements validates the durability level/timeout pair a
// prepare message carries.
func (v *Validator) ValidateRequirements(req model.DurabilityRequirements) error {
	if !req.Level.Valid() || req.Level == model.LevelNone {
		return errors.InvalidArgument("durability level must be Majority, MajorityAndPersistOnMaster, or PersistToMajority", nil)
	}
	if req.Timeout < MinSyncWriteTimeout {
		return errors.InvalidArgument("durability timeout is below the minimum", nil)
	}
	if req.Timeout > MaxSyncWriteTimeout {
		return errors.InvalidArgument("durability timeout exceeds the maximum", nil)
	}
	return nil
}

// ValidateBySeqno validates that a seqno is monotonically sane: positive
// and strictly greater than the partition's last known seqno.
func (v *Validator) ValidateBySeqno(seqno, lastKnownSeqno int64) error {
	if seqno <= 0 {
		return errors.InvalidArgument("seqno must be positive", nil)
	}
	if seqno <= lastKnownSeqno {
		return errors.InvalidArgument("seqno must advance past the last known seqno", nil)
	}
	return nil
}

// ValidatePartitionConfig validates one partition's static configuration,
// beyond what config.ReplicaNodeConfig.Validate already checks structurally.
func (v *Validator) ValidatePartitionConfig(cfg config.PartitionConfig) error {
	if err := v.ValidatePartitionID(cfg.ID); err != nil {
		return err
	}
	if cfg.FailoverCapacity < 1 || cfg.FailoverCapacity > 256 {
		return errors.InvalidArgument("failover capacity must be between 1 and 256", nil)
	}
	if cfg.InitialHighSeqno < 0 {
		return errors.InvalidArgument("initial high seqno cannot be negative", nil)
	}
	return nil
}

// SanitizePartitionID strips characters that cannot appear in a metric
// label or log field from a partition identifier supplied by a peer.
func SanitizePartitionID(vbid string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, vbid)
	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > MaxPartitionID {
		sanitized = sanitized[:MaxPartitionID]
	}
	return sanitized
}
