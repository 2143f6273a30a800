package main

import (
	"fmt"
	"time"

	"github.com/ovaladares/orca/pkg/balancer"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/durability"
)

type Config struct {
	NodeID    string   `yaml:"node_id"`
	BindAddr  string   `yaml:"bind_addr"`
	SeedNodes []string `yaml:"seed_nodes"`
	HTTPPort  string   `yaml:"http_port"`

	Balancer   string                 `yaml:"balancer"`
	Durability durability.Granularity `yaml:"durability"`
	StatePath  string                 `yaml:"state_path"`
	Workers    int                    `yaml:"workers"`

	Databases []*domain.Database `yaml:"databases"`

	Logger     LoggerConfig     `yaml:"logger"`
	Lock       LockConfig       `yaml:"lock"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type LockConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MinBackoff     time.Duration `yaml:"min_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type DispatcherConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr:   "0.0.0.0:7946",
		HTTPPort:   "8080",
		Balancer:   "simple",
		Durability: durability.None,
		StatePath:  "orca-state.json",
		Logger: LoggerConfig{
			Level: "info",
		},
	}
}

// balancerFactory maps a policy name of the config file to its constructor.
func balancerFactory(name string) (balancer.Factory, error) {
	switch name {
	case "simple", "":
		return balancer.NewSimple, nil
	case "round-robin":
		return balancer.NewRoundRobin, nil
	case "random":
		return balancer.NewRandom, nil
	case "load":
		return balancer.NewLoad, nil
	default:
		return nil, fmt.Errorf("unknown balancer: %s", name)
	}
}
