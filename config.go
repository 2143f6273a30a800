package orca

import (
	"log/slog"
	"time"

	"github.com/ovaladares/orca/pkg/balancer"
	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/durability"
	"github.com/ovaladares/orca/pkg/storage"
)

type Config struct {
	Logger *slog.Logger
	// NodeID names this member. Empty picks a random one.
	NodeID           string
	DiscoveryBackend string
	MaxPayloadSize   int

	// Workers bounds the invocations running at once. Zero uses the number of CPUs.
	Workers    int
	Balancer   balancer.Factory
	Durability durability.Granularity
	StatePath  string
	Standalone bool

	Classifier domain.FailureClassifier
	Resolver   durability.Resolver

	LockConfig       *LockConfig
	DispatcherConfig *DispatcherConfig
	RecoveryTimeout  time.Duration
}

type LockConfig struct {
	AcquireTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

type DispatcherConfig struct {
	Timeout time.Duration
}

func defaultConfig() *Config {
	return &Config{
		Logger:           slog.Default(),
		DiscoveryBackend: "serf",
		MaxPayloadSize:   discovery.DefaultMaxPayloadSize,
		Balancer:         balancer.NewSimple,
		Durability:       durability.None,
		LockConfig: &LockConfig{
			AcquireTimeout: storage.DefaultAcquireTimeout,
			MinBackoff:     storage.DefaultMinBackoff,
			MaxBackoff:     storage.DefaultMaxBackoff,
		},
		DispatcherConfig: &DispatcherConfig{
			Timeout: dispatcher.DefaultTimeout,
		},
	}
}

// NewConfig fills the zero fields of userConf with their defaults.
func NewConfig(userConf *Config) *Config {
	defaults := defaultConfig()

	if userConf == nil {
		return defaults
	}

	conf := *userConf

	if conf.Logger == nil {
		conf.Logger = defaults.Logger
	}

	if conf.DiscoveryBackend == "" {
		conf.DiscoveryBackend = defaults.DiscoveryBackend
	}

	if conf.MaxPayloadSize == 0 {
		conf.MaxPayloadSize = defaults.MaxPayloadSize
	}

	if conf.Balancer == nil {
		conf.Balancer = defaults.Balancer
	}

	if conf.Durability == "" {
		conf.Durability = defaults.Durability
	}

	if conf.LockConfig == nil {
		conf.LockConfig = defaults.LockConfig
	} else {
		lock := *conf.LockConfig

		if lock.AcquireTimeout == 0 {
			lock.AcquireTimeout = defaults.LockConfig.AcquireTimeout
		}

		if lock.MinBackoff == 0 {
			lock.MinBackoff = defaults.LockConfig.MinBackoff
		}

		if lock.MaxBackoff == 0 {
			lock.MaxBackoff = defaults.LockConfig.MaxBackoff
		}

		conf.LockConfig = &lock
	}

	if conf.DispatcherConfig == nil {
		conf.DispatcherConfig = defaults.DispatcherConfig
	} else if conf.DispatcherConfig.Timeout == 0 {
		conf.DispatcherConfig = &DispatcherConfig{Timeout: defaults.DispatcherConfig.Timeout}
	}

	return &conf
}
