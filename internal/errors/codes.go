package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/devrev/pairdb/replicamon/internal/durability"
	"github.com/devrev/pairdb/replicamon/internal/partition"
)

// ErrorCode represents internal error codes for replication operations.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client/stream errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeUnknownPartition ErrorCode = 1001
	ErrCodeStreamMustReset  ErrorCode = 1002
	ErrCodeRollbackRequired ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal        ErrorCode = 2000
	ErrCodePartitionDead   ErrorCode = 2001
	ErrCodeProgrammerError ErrorCode = 2002
)

// ReplicationError is a structured error with a code, gRPC-mappable, and
// context for logging.
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts a ReplicationError to a gRPC status.
func (e *ReplicationError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ReplicationError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeUnknownPartition:
		return codes.NotFound
	case ErrCodeStreamMustReset, ErrCodeRollbackRequired:
		return codes.Aborted
	case ErrCodePartitionDead:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func NewReplicationError(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidArgument, message, cause)
}

func UnknownPartition(vbid string) *ReplicationError {
	return NewReplicationError(ErrCodeUnknownPartition, fmt.Sprintf("unknown partition %q", vbid), nil).
		WithDetail("partition", vbid)
}

func PartitionDead(vbid string) *ReplicationError {
	return NewReplicationError(ErrCodePartitionDead, fmt.Sprintf("partition %q is dead, must be rebuilt from a full stream", vbid), nil).
		WithDetail("partition", vbid)
}

// FromDurabilityError maps a *durability.Error (or partition.ErrPartitionDead)
// into the gRPC-mappable ReplicationError shape, so handler code only ever
// needs to reason about one error type on its way out over the wire.
func FromDurabilityError(vbid string, err error) *ReplicationError {
	if err == nil {
		return nil
	}
	if errors.Is(err, partition.ErrPartitionDead) {
		return PartitionDead(vbid)
	}

	var derr *durability.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case durability.KindProgrammerError:
			return NewReplicationError(ErrCodeProgrammerError, derr.Error(), err).WithDetail("partition", vbid)
		case durability.KindTransientStreamError:
			return NewReplicationError(ErrCodeStreamMustReset, derr.Error(), err).WithDetail("partition", vbid)
		}
	}

	return NewReplicationError(ErrCodeInternal, "internal error", err).WithDetail("partition", vbid)
}

// IsReplicationError checks if an error is a ReplicationError.
func IsReplicationError(err error) bool {
	_, ok := err.(*ReplicationError)
	return ok
}

// GetCode extracts the error code from an error.
func GetCode(err error) ErrorCode {
	if re, ok := err.(*ReplicationError); ok {
		return re.Code
	}
	return ErrCodeInternal
}
