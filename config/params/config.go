// Package params defines the runtime configuration of an aggregator node
// with sane defaults for every recognized option.
package params

import (
	"fmt"
	"os"
	"time"
)

// Config holds every recognized aggregator option. Fields mirror the yaml
// config file keys accepted by --config-file. Interval options are plain
// numbers (milliseconds unless the key says otherwise) so they survive yaml
// round trips; use the Duration accessors in code.
type Config struct {
	// Block header identity.
	ChainID          uint64 `yaml:"chainId"`
	Version          uint64 `yaml:"version"`
	ForkID           uint64 `yaml:"forkId"`
	InitialBlockHash string `yaml:"initialBlockHash"`

	// External surface.
	Port             int    `yaml:"port"`
	SSLCertPath      string `yaml:"sslCertPath"`
	SSLKeyPath       string `yaml:"sslKeyPath"`
	ConcurrencyLimit int    `yaml:"concurrencyLimit"`

	// Node identity, defaults to <hostname>-<pid>.
	ServerID string `yaml:"serverId"`

	// Round production.
	BlockCreationWaitTimeMs uint64 `yaml:"blockCreationWaitTime"`

	// Trust-anchor ledger.
	Anchor AnchorConfig `yaml:"anchor"`

	// High availability.
	HighAvailabilityEnabled bool   `yaml:"highAvailabilityEnabled"`
	LockTTLSeconds          uint64 `yaml:"lockTtlSeconds"`
	HeartbeatIntervalMs     uint64 `yaml:"heartbeatInterval"`
	ElectionPollIntervalMs  uint64 `yaml:"electionPollingInterval"`

	// Storage.
	StorageURI   string `yaml:"storageUri"`
	DatabaseName string `yaml:"databaseName"`
}

// AnchorConfig configures the trust-anchor ledger client.
type AnchorConfig struct {
	// PrivateKey is the hex-encoded secp256k1 key used to sign root hash
	// submissions and commitment receipts. Required outside mock mode.
	PrivateKey        string `yaml:"privateKey"`
	TokenPartitionURL string `yaml:"tokenPartitionUrl"`
	TokenPartitionID  uint64 `yaml:"tokenPartitionId"`
	NetworkID         uint64 `yaml:"networkId"`
	// Mock selects the in-process anchor with synthesized chaining.
	Mock bool `yaml:"mock"`
}

// BlockCreationWaitTime bounds how long shutdown waits for an in-flight round.
func (c *Config) BlockCreationWaitTime() time.Duration {
	return time.Duration(c.BlockCreationWaitTimeMs) * time.Millisecond
}

// LockTTL is the leadership lease lifetime.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// HeartbeatInterval is the leader lease refresh period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ElectionPollInterval is the follower lease acquisition period.
func (c *Config) ElectionPollInterval() time.Duration {
	return time.Duration(c.ElectionPollIntervalMs) * time.Millisecond
}

// DefaultInitialBlockHash chains the very first block when no override is
// configured.
const DefaultInitialBlockHash = "0000185f29a4f92f2b165f1b3e2aa6a7e8c4d25c2c7d4f0a3b58bfae4c2b7c081969"

// DefaultConfig returns a config with every default from the option table.
func DefaultConfig() *Config {
	return &Config{
		ChainID:                 1,
		Version:                 1,
		ForkID:                  1,
		InitialBlockHash:        DefaultInitialBlockHash,
		Port:                    80,
		ConcurrencyLimit:        100,
		ServerID:                defaultServerID(),
		BlockCreationWaitTimeMs: 10000,
		HighAvailabilityEnabled: true,
		LockTTLSeconds:          30,
		HeartbeatIntervalMs:     10000,
		ElectionPollIntervalMs:  5000,
		StorageURI:              "mongodb://localhost:27017/",
		DatabaseName:            "aggregator",
	}
}

func defaultServerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "aggregator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

var aggregatorConfig = DefaultConfig()

// AggregatorConfig retrieves the aggregator node config.
func AggregatorConfig() *Config {
	return aggregatorConfig
}

// OverrideAggregatorConfig by replacing the config. The preferred pattern is
// to call AggregatorConfig(), change the specific parameters, and then call
// OverrideAggregatorConfig(c). Any subsequent calls to params.AggregatorConfig()
// will return this new configuration.
func OverrideAggregatorConfig(c *Config) {
	aggregatorConfig = c
}

// SetupTestConfigCleanup preserves the config for the pre-test state and
// restores it after the test run.
func SetupTestConfigCleanup(t testingT) {
	prev := aggregatorConfig
	t.Cleanup(func() {
		aggregatorConfig = prev
	})
}

type testingT interface {
	Cleanup(func())
}
