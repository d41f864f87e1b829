/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/logger"
)

const (
	// LATEST start after the most recent event in the partition (receive new events only).
	LATEST InitialPositionInStream = iota + 1
	// EARLIEST start from the oldest event still retained by the partition.
	EARLIEST
	// AT_TIMESTAMP start from the first event enqueued at or after the specified Timestamp.
	AT_TIMESTAMP

	// The location in the partition from which the host will start receiving events when the
	// application starts for the first time and there is no checkpoint for the partition.
	DefaultInitialPositionInStream = LATEST

	// Lease duration in seconds. A host which does not renew its lease within this interval
	// will be regarded as having problems and its partitions will be picked up by other hosts.
	DefaultLeaseDurationInSeconds = 30

	// Interval between two renewals of every lease owned by this host. Must not exceed the
	// lease duration, and should leave room for at least one retry before the lease expires.
	DefaultLeaseRenewIntervalInSeconds = 10

	// Upper bound for a single checkpoint store call issued through the partition context.
	DefaultCheckpointTimeoutInSeconds = 120

	// Delay before the first partition scan. Gives the other hosts of the fleet time to show up in
	// the lease store, so this host does not believe it is alone and grab every partition.
	DefaultStartupScanDelayInSeconds = 30

	// Delay before the next scan after a scan that changed ownership.
	DefaultFastScanIntervalInSeconds = 3

	// Delay before the next scan after a scan that changed nothing.
	DefaultSlowScanIntervalInSeconds = 5

	// Max leases to steal from another host in one scan (for load balancing).
	// Setting this to a higher number can allow for faster load convergence (e.g. during deployments, cold starts),
	// but can cause higher churn in the system.
	DefaultMaxLeasesToStealAtOneTime = 1

	// The amount of milliseconds to wait before graceful shutdown forcefully terminates.
	DefaultShutdownGraceMillis = 5000

	// Backoff time in milliseconds for a partition pump after a receive error.
	DefaultTaskBackoffTimeMillis = 500
)

type (
	// InitialPositionInStream Used to specify the position in the partition where a new application should start from
	// This is used during initial application bootstrap (when a checkpoint doesn't exist for a partition)
	InitialPositionInStream int

	// InitialPositionInStreamExtended houses the entities needed to specify the position in the partition from where
	// a new application should start.
	InitialPositionInStreamExtended struct {
		Position InitialPositionInStream

		// The time stamp of the event from which to start reading. Used with AT_TIMESTAMP.
		Timestamp *time.Time
	}

	// InitialPositionProvider returns where to start receiving a partition that has no checkpoint yet.
	InitialPositionProvider func(partitionID string) InitialPositionInStreamExtended

	// OptionsPolicy is a backend-supplied rule applied on top of the built-in invariants, for
	// example a cap on lease duration matching a store's native lease primitive.
	OptionsPolicy func(*PartitionManagerOptions) error

	// PartitionManagerOptions configures an event processor host.
	// The host takes a copy at registration, later changes to the value do not affect a running host.
	PartitionManagerOptions struct {
		// ApplicationName groups hosts that share partitions. Used as metrics namespace.
		ApplicationName string

		// HostName identifies this host instance in lease ownership. Must be unique in the fleet.
		HostName string

		// LeaseDurationInSeconds leases not renewed within this period will be picked up by others
		LeaseDurationInSeconds int

		// LeaseRenewIntervalInSeconds how often owned leases are renewed
		LeaseRenewIntervalInSeconds int

		// CheckpointTimeoutInSeconds bounds every checkpoint store call made by a partition pump
		CheckpointTimeoutInSeconds int

		// StartupScanDelayInSeconds delays the first partition scan
		StartupScanDelayInSeconds int

		// FastScanIntervalInSeconds next-scan delay after ownership changed
		FastScanIntervalInSeconds int

		// SlowScanIntervalInSeconds next-scan delay when nothing changed
		SlowScanIntervalInSeconds int

		// MaxLeasesToStealAtOneTime max leases to steal in one scan
		MaxLeasesToStealAtOneTime int

		// ShutdownGraceMillis The number of milliseconds before graceful shutdown terminates forcefully
		ShutdownGraceMillis int

		// TaskBackoffTimeMillis Backoff period when a pump encounters a receive error
		TaskBackoffTimeMillis int

		// InitialPositionInStreamExtended is used by the default InitialPositionProvider
		InitialPositionInStreamExtended InitialPositionInStreamExtended

		// InitialPositionProvider picks the starting position of partitions without checkpoint
		InitialPositionProvider InitialPositionProvider

		// Logger used to log message.
		Logger logger.Logger

		// MonitoringService publishes per host-scoped metrics.
		MonitoringService metrics.MonitoringService

		policies []OptionsPolicy
	}
)

// LeaseDuration returns the lease duration as time.Duration.
func (c *PartitionManagerOptions) LeaseDuration() time.Duration {
	return seconds(c.LeaseDurationInSeconds)
}

// LeaseRenewInterval returns the renew interval as time.Duration.
func (c *PartitionManagerOptions) LeaseRenewInterval() time.Duration {
	return seconds(c.LeaseRenewIntervalInSeconds)
}

// CheckpointTimeout returns the checkpoint timeout as time.Duration.
func (c *PartitionManagerOptions) CheckpointTimeout() time.Duration {
	return seconds(c.CheckpointTimeoutInSeconds)
}

// StartupScanDelay returns the startup scan delay as time.Duration.
func (c *PartitionManagerOptions) StartupScanDelay() time.Duration {
	return seconds(c.StartupScanDelayInSeconds)
}

// FastScanInterval returns the fast scan interval as time.Duration.
func (c *PartitionManagerOptions) FastScanInterval() time.Duration {
	return seconds(c.FastScanIntervalInSeconds)
}

// SlowScanInterval returns the slow scan interval as time.Duration.
func (c *PartitionManagerOptions) SlowScanInterval() time.Duration {
	return seconds(c.SlowScanIntervalInSeconds)
}

// ShutdownGrace returns the shutdown grace period as time.Duration.
func (c *PartitionManagerOptions) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMillis) * time.Millisecond
}

// TaskBackoff returns the pump backoff as time.Duration.
func (c *PartitionManagerOptions) TaskBackoff() time.Duration {
	return time.Duration(c.TaskBackoffTimeMillis) * time.Millisecond
}

// Validate checks every invariant and every attached policy. It never panics.
func (c *PartitionManagerOptions) Validate() error {
	if empty(c.HostName) {
		return fmt.Errorf("non-empty value expected for HostName")
	}

	positives := []struct {
		key   string
		value int
	}{
		{"LeaseDurationInSeconds", c.LeaseDurationInSeconds},
		{"LeaseRenewIntervalInSeconds", c.LeaseRenewIntervalInSeconds},
		{"CheckpointTimeoutInSeconds", c.CheckpointTimeoutInSeconds},
		{"StartupScanDelayInSeconds", c.StartupScanDelayInSeconds},
		{"FastScanIntervalInSeconds", c.FastScanIntervalInSeconds},
		{"SlowScanIntervalInSeconds", c.SlowScanIntervalInSeconds},
		{"MaxLeasesToStealAtOneTime", c.MaxLeasesToStealAtOneTime},
		{"ShutdownGraceMillis", c.ShutdownGraceMillis},
		{"TaskBackoffTimeMillis", c.TaskBackoffTimeMillis},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("positive value expected for %v, actual: %v", p.key, p.value)
		}
	}

	if c.LeaseRenewIntervalInSeconds > c.LeaseDurationInSeconds {
		return fmt.Errorf("LeaseRenewIntervalInSeconds (%d) must not exceed LeaseDurationInSeconds (%d)",
			c.LeaseRenewIntervalInSeconds, c.LeaseDurationInSeconds)
	}

	if c.Logger == nil {
		return fmt.Errorf("logger cannot be nil")
	}

	if c.InitialPositionProvider == nil {
		return fmt.Errorf("initial position provider cannot be nil")
	}

	for _, policy := range c.policies {
		if err := policy(c); err != nil {
			return err
		}
	}

	return nil
}

// MaxLeaseDurationPolicy rejects lease durations above max.
func MaxLeaseDurationPolicy(max time.Duration) OptionsPolicy {
	return func(c *PartitionManagerOptions) error {
		if c.LeaseDuration() > max {
			return fmt.Errorf("LeaseDurationInSeconds (%d) exceeds the store maximum of %s",
				c.LeaseDurationInSeconds, max)
		}
		return nil
	}
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func empty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// checkIsValueNotEmpty makes sure the value is not empty.
func checkIsValueNotEmpty(key string, value string) {
	if empty(value) {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Non-empty value expected for %v, actual: %v", key, value)
	}
}

// checkIsValuePositive makes sure the value is possitive.
func checkIsValuePositive(key string, value int) {
	if value <= 0 {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Positive value expected for %v, actual: %v", key, value)
	}
}
