package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/devrev/pairdb/replicamon/internal/durability"
	"github.com/devrev/pairdb/replicamon/internal/partition"
)

func TestUnknownPartition_ToGRPCStatus(t *testing.T) {
	err := UnknownPartition("vb0")
	st := err.ToGRPCStatus()
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "vb0", err.Details["partition"])
}

func TestPartitionDead_ToGRPCStatus(t *testing.T) {
	err := PartitionDead("vb0")
	st := err.ToGRPCStatus()
	assert.Equal(t, codes.Unavailable, st.Code())
}

func TestFromDurabilityError_PartitionDead(t *testing.T) {
	repErr := FromDurabilityError("vb0", partition.ErrPartitionDead)
	require.NotNil(t, repErr)
	assert.Equal(t, ErrCodePartitionDead, repErr.Code)
	assert.Equal(t, codes.Unavailable, repErr.ToGRPCStatus().Code())
}

func TestFromDurabilityError_ProgrammerError(t *testing.T) {
	cause := &durability.Error{Kind: durability.KindProgrammerError, Op: "AddSyncWrite", Message: "bad level"}
	repErr := FromDurabilityError("vb0", cause)
	require.NotNil(t, repErr)
	assert.Equal(t, ErrCodeProgrammerError, repErr.Code)
	assert.Equal(t, codes.Internal, repErr.ToGRPCStatus().Code())
	assert.Equal(t, cause, errors.Unwrap(repErr))
}

func TestFromDurabilityError_TransientStreamError(t *testing.T) {
	cause := &durability.Error{Kind: durability.KindTransientStreamError, Op: "CompleteSyncWrite", Message: "stream reset"}
	repErr := FromDurabilityError("vb0", cause)
	require.NotNil(t, repErr)
	assert.Equal(t, ErrCodeStreamMustReset, repErr.Code)
	assert.Equal(t, codes.Aborted, repErr.ToGRPCStatus().Code())
}

func TestFromDurabilityError_Unknown(t *testing.T) {
	repErr := FromDurabilityError("vb0", errors.New("boom"))
	require.NotNil(t, repErr)
	assert.Equal(t, ErrCodeInternal, repErr.Code)
}

func TestFromDurabilityError_Nil(t *testing.T) {
	assert.Nil(t, FromDurabilityError("vb0", nil))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeUnknownPartition, GetCode(UnknownPartition("vb0")))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))
}

func TestIsReplicationError(t *testing.T) {
	assert.True(t, IsReplicationError(UnknownPartition("vb0")))
	assert.False(t, IsReplicationError(errors.New("plain")))
}
