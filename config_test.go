package orca_test

import (
	"testing"
	"time"

	"github.com/ovaladares/orca"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/durability"
	"github.com/ovaladares/orca/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	conf := orca.NewConfig(nil)

	require.NotNil(t, conf.Logger)
	require.NotNil(t, conf.Balancer)
	assert.Equal(t, "serf", conf.DiscoveryBackend)
	assert.Equal(t, durability.None, conf.Durability)
	assert.Equal(t, storage.DefaultAcquireTimeout, conf.LockConfig.AcquireTimeout)
	assert.Equal(t, dispatcher.DefaultTimeout, conf.DispatcherConfig.Timeout)
}

func TestNewConfig_KeepsUserValues(t *testing.T) {
	userConf := &orca.Config{
		Durability: durability.Fine,
		Workers:    3,
		LockConfig: &orca.LockConfig{AcquireTimeout: 10 * time.Millisecond},
	}

	conf := orca.NewConfig(userConf)

	assert.Equal(t, durability.Fine, conf.Durability)
	assert.Equal(t, 3, conf.Workers)
	assert.Equal(t, 10*time.Millisecond, conf.LockConfig.AcquireTimeout)
	assert.Equal(t, storage.DefaultMaxBackoff, conf.LockConfig.MaxBackoff)
	assert.Equal(t, dispatcher.DefaultTimeout, conf.DispatcherConfig.Timeout)

	assert.Nil(t, userConf.DispatcherConfig, "the caller's config is left untouched")
	assert.Zero(t, userConf.LockConfig.MaxBackoff)
}
