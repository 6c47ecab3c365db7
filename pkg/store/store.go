package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/nclav-io/nclav/pkg/domain"
)

// StateStore persists reconciliation state. Implementations must be
// safe for concurrent use.
type StateStore interface {
	GetEnclave(ctx context.Context, id domain.EnclaveID) (*EnclaveState, error)
	ListEnclaves(ctx context.Context) ([]EnclaveState, error)
	UpsertEnclave(ctx context.Context, state *EnclaveState) error
	DeleteEnclave(ctx context.Context, id domain.EnclaveID) error

	// UpsertPartition merges a partition's state into its parent
	// enclave. Returns an Error with Kind KindEnclaveNotFound if the
	// enclave doesn't exist yet.
	UpsertPartition(ctx context.Context, enclaveID domain.EnclaveID, state *PartitionState) error
	DeletePartition(ctx context.Context, enclaveID domain.EnclaveID, partitionID domain.PartitionID) error

	AppendEvent(ctx context.Context, event *AuditEvent) error
	// ListEvents returns up to limit events, oldest first, optionally
	// filtered to one enclave.
	ListEvents(ctx context.Context, enclaveID *domain.EnclaveID, limit int) ([]AuditEvent, error)

	// Terraform-compatible remote state backend.
	GetTfState(ctx context.Context, key string) ([]byte, error)
	PutTfState(ctx context.Context, key string, state []byte) error
	DeleteTfState(ctx context.Context, key string) error
	// LockTfState returns ErrLockConflict, naming the current holder,
	// whenever key is already locked, even by the same lock ID.
	LockTfState(ctx context.Context, key string, lockInfo []byte) error
	// UnlockTfState is a no-op if unlocked or held by a different ID.
	// An empty lockID force-unlocks regardless of holder.
	UnlockTfState(ctx context.Context, key string, lockID string) error

	UpsertIacRun(ctx context.Context, run *IacRun) error
	// ListIacRuns returns runs for one partition, newest first, capped
	// at 100.
	ListIacRuns(ctx context.Context, enclaveID domain.EnclaveID, partitionID domain.PartitionID) ([]IacRun, error)
	GetIacRun(ctx context.Context, runID uuid.UUID) (*IacRun, error)

	Close() error
}
