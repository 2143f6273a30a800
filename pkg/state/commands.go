package state

import (
	"context"

	"github.com/ovaladares/orca/pkg/domain"
)

const (
	ActivatedCommand        = "activated"
	DeactivatedCommand      = "deactivated"
	BeforeInvocationCommand = "before-invocation"
	AfterInvocationCommand  = "after-invocation"
	BeforeInvokerCommand    = "before-invoker"
	AfterInvokerCommand     = "after-invoker"
)

type activated struct {
	Member   string `json:"member"`
	Database string `json:"database"`
}

func (c *activated) Kind() string { return ActivatedCommand }

func (c *activated) Execute(_ context.Context, sm *DistributedStateManager) (any, error) {
	if err := sm.local.Activated(c.Database); err != nil {
		return nil, err
	}

	if listener := sm.activationListener(); listener != nil {
		listener.RemoteActivated(c.Member, c.Database)
	}

	return nil, nil
}

type deactivated struct {
	Member   string `json:"member"`
	Database string `json:"database"`
}

func (c *deactivated) Kind() string { return DeactivatedCommand }

func (c *deactivated) Execute(_ context.Context, sm *DistributedStateManager) (any, error) {
	if err := sm.local.Deactivated(c.Database); err != nil {
		return nil, err
	}

	if listener := sm.activationListener(); listener != nil {
		listener.RemoteDeactivated(c.Member, c.Database)
	}

	return nil, nil
}

type beforeInvocation struct {
	Member string                 `json:"member"`
	Event  domain.InvocationEvent `json:"event"`
}

func (c *beforeInvocation) Kind() string { return BeforeInvocationCommand }

func (c *beforeInvocation) Execute(_ context.Context, sm *DistributedStateManager) (any, error) {
	sm.recordRemote(c.Member, func(log domain.Log) {
		if _, ok := log[c.Event]; !ok {
			log[c.Event] = make(map[string]domain.InvokerEvent)
		}
	})

	return nil, nil
}

type afterInvocation struct {
	Member string                 `json:"member"`
	Event  domain.InvocationEvent `json:"event"`
}

func (c *afterInvocation) Kind() string { return AfterInvocationCommand }

func (c *afterInvocation) Execute(_ context.Context, sm *DistributedStateManager) (any, error) {
	sm.recordRemote(c.Member, func(log domain.Log) {
		delete(log, c.Event)
	})

	return nil, nil
}

type beforeInvoker struct {
	Member string              `json:"member"`
	Event  domain.InvokerEvent `json:"event"`
}

func (c *beforeInvoker) Kind() string { return BeforeInvokerCommand }

func (c *beforeInvoker) Execute(_ context.Context, sm *DistributedStateManager) (any, error) {
	return nil, sm.recordRemoteInvoker(c.Member, c.Event)
}

type afterInvoker struct {
	Member string              `json:"member"`
	Event  domain.InvokerEvent `json:"event"`
}

func (c *afterInvoker) Kind() string { return AfterInvokerCommand }

func (c *afterInvoker) Execute(_ context.Context, sm *DistributedStateManager) (any, error) {
	return nil, sm.recordRemoteInvoker(c.Member, c.Event)
}
