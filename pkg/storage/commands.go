package storage

import (
	"context"

	"github.com/ovaladares/orca/pkg/domain"
)

const (
	CoordinatorAcquireLockCommand = "coordinator-acquire-lock"
	MemberAcquireLockCommand      = "member-acquire-lock"
	ReleaseLockCommand            = "release-lock"
)

// coordinatorAcquireLock asks the coordinator to take its instance and to
// collect the grants of every member but the requester. The result is the
// list of members that granted, empty on refusal.
type coordinatorAcquireLock struct {
	Lock domain.LockDescriptor `json:"lock"`
}

func (c *coordinatorAcquireLock) Kind() string { return CoordinatorAcquireLockCommand }

func (c *coordinatorAcquireLock) Execute(ctx context.Context, lm *DistributedLockManager) (any, error) {
	return lm.coordinatorAcquire(ctx, c.Lock), nil
}

// memberAcquireLock grants when the member takes its instance in time.
type memberAcquireLock struct {
	Lock domain.LockDescriptor `json:"lock"`
}

func (c *memberAcquireLock) Kind() string { return MemberAcquireLockCommand }

func (c *memberAcquireLock) Execute(ctx context.Context, lm *DistributedLockManager) (any, error) {
	return lm.memberAcquire(ctx, c.Lock), nil
}

type releaseLock struct {
	Lock domain.LockDescriptor `json:"lock"`
}

func (c *releaseLock) Kind() string { return ReleaseLockCommand }

func (c *releaseLock) Execute(_ context.Context, lm *DistributedLockManager) (any, error) {
	return lm.release(c.Lock), nil
}
