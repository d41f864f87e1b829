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
	"log"
	"time"

	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

// NewPartitionManagerOptions creates default PartitionManagerOptions for the given application.
// An empty hostName is replaced by a generated UUID. Policies are kept for the lifetime of the
// options and consulted by every setter and by Validate.
func NewPartitionManagerOptions(applicationName, hostName string, policies ...OptionsPolicy) *PartitionManagerOptions {
	checkIsValueNotEmpty("ApplicationName", applicationName)

	if empty(hostName) {
		hostName = utils.MustNewUUID()
	}

	// populate the options with default values
	c := &PartitionManagerOptions{
		ApplicationName:                 applicationName,
		HostName:                        hostName,
		LeaseDurationInSeconds:          DefaultLeaseDurationInSeconds,
		LeaseRenewIntervalInSeconds:     DefaultLeaseRenewIntervalInSeconds,
		CheckpointTimeoutInSeconds:      DefaultCheckpointTimeoutInSeconds,
		StartupScanDelayInSeconds:       DefaultStartupScanDelayInSeconds,
		FastScanIntervalInSeconds:       DefaultFastScanIntervalInSeconds,
		SlowScanIntervalInSeconds:       DefaultSlowScanIntervalInSeconds,
		MaxLeasesToStealAtOneTime:       DefaultMaxLeasesToStealAtOneTime,
		ShutdownGraceMillis:             DefaultShutdownGraceMillis,
		TaskBackoffTimeMillis:           DefaultTaskBackoffTimeMillis,
		InitialPositionInStreamExtended: *newInitialPosition(DefaultInitialPositionInStream),
		Logger:                          logger.GetDefaultLogger(),
		MonitoringService:               metrics.NoopMonitoringService{},
		policies:                        policies,
	}
	c.InitialPositionProvider = staticPositionProvider(c.InitialPositionInStreamExtended)

	if err := c.Validate(); err != nil {
		log.Panicf("Default options rejected by policy: %v", err)
	}
	return c
}

// Clone returns a copy that shares no mutable state with c.
func (c *PartitionManagerOptions) Clone() *PartitionManagerOptions {
	clone := *c
	clone.policies = append([]OptionsPolicy(nil), c.policies...)
	return &clone
}

// set applies a positive integer option on a copy, validates it, then commits. Invalid
// configuration panics, there is no point to continue with it.
func (c *PartitionManagerOptions) set(key string, value int, apply func(*PartitionManagerOptions)) *PartitionManagerOptions {
	checkIsValuePositive(key, value)

	next := *c
	apply(&next)
	if err := next.Validate(); err != nil {
		log.Panicf("Invalid value for %v: %v", key, err)
	}

	*c = next
	return c
}

func (c *PartitionManagerOptions) WithLeaseDurationInSeconds(value int) *PartitionManagerOptions {
	return c.set("LeaseDurationInSeconds", value, func(o *PartitionManagerOptions) {
		o.LeaseDurationInSeconds = value
	})
}

func (c *PartitionManagerOptions) WithLeaseRenewIntervalInSeconds(value int) *PartitionManagerOptions {
	return c.set("LeaseRenewIntervalInSeconds", value, func(o *PartitionManagerOptions) {
		o.LeaseRenewIntervalInSeconds = value
	})
}

// WithLease sets lease duration and renew interval together, so shrinking both does not trip
// the renew <= duration rule half way.
func (c *PartitionManagerOptions) WithLease(durationInSeconds, renewIntervalInSeconds int) *PartitionManagerOptions {
	checkIsValuePositive("LeaseDurationInSeconds", durationInSeconds)
	return c.set("LeaseRenewIntervalInSeconds", renewIntervalInSeconds, func(o *PartitionManagerOptions) {
		o.LeaseDurationInSeconds = durationInSeconds
		o.LeaseRenewIntervalInSeconds = renewIntervalInSeconds
	})
}

func (c *PartitionManagerOptions) WithCheckpointTimeoutInSeconds(value int) *PartitionManagerOptions {
	return c.set("CheckpointTimeoutInSeconds", value, func(o *PartitionManagerOptions) {
		o.CheckpointTimeoutInSeconds = value
	})
}

func (c *PartitionManagerOptions) WithStartupScanDelayInSeconds(value int) *PartitionManagerOptions {
	return c.set("StartupScanDelayInSeconds", value, func(o *PartitionManagerOptions) {
		o.StartupScanDelayInSeconds = value
	})
}

func (c *PartitionManagerOptions) WithFastScanIntervalInSeconds(value int) *PartitionManagerOptions {
	return c.set("FastScanIntervalInSeconds", value, func(o *PartitionManagerOptions) {
		o.FastScanIntervalInSeconds = value
	})
}

func (c *PartitionManagerOptions) WithSlowScanIntervalInSeconds(value int) *PartitionManagerOptions {
	return c.set("SlowScanIntervalInSeconds", value, func(o *PartitionManagerOptions) {
		o.SlowScanIntervalInSeconds = value
	})
}

func (c *PartitionManagerOptions) WithMaxLeasesToStealAtOneTime(value int) *PartitionManagerOptions {
	return c.set("MaxLeasesToStealAtOneTime", value, func(o *PartitionManagerOptions) {
		o.MaxLeasesToStealAtOneTime = value
	})
}

func (c *PartitionManagerOptions) WithShutdownGraceMillis(value int) *PartitionManagerOptions {
	return c.set("ShutdownGraceMillis", value, func(o *PartitionManagerOptions) {
		o.ShutdownGraceMillis = value
	})
}

func (c *PartitionManagerOptions) WithTaskBackoffTimeMillis(value int) *PartitionManagerOptions {
	return c.set("TaskBackoffTimeMillis", value, func(o *PartitionManagerOptions) {
		o.TaskBackoffTimeMillis = value
	})
}

func (c *PartitionManagerOptions) WithInitialPositionInStream(position InitialPositionInStream) *PartitionManagerOptions {
	c.InitialPositionInStreamExtended = *newInitialPosition(position)
	c.InitialPositionProvider = staticPositionProvider(c.InitialPositionInStreamExtended)
	return c
}

func (c *PartitionManagerOptions) WithTimestampAtInitialPositionInStream(timestamp *time.Time) *PartitionManagerOptions {
	c.InitialPositionInStreamExtended = *newInitialPositionAtTimestamp(timestamp)
	c.InitialPositionProvider = staticPositionProvider(c.InitialPositionInStreamExtended)
	return c
}

// WithInitialPositionProvider overrides the per-partition starting position used when no checkpoint exists.
func (c *PartitionManagerOptions) WithInitialPositionProvider(provider InitialPositionProvider) *PartitionManagerOptions {
	if provider == nil {
		log.Panicf("InitialPositionProvider cannot be nil")
	}
	c.InitialPositionProvider = provider
	return c
}

// WithLogger is used to provide a custom logger.
func (c *PartitionManagerOptions) WithLogger(logger logger.Logger) *PartitionManagerOptions {
	if logger == nil {
		log.Panicf("Logger cannot be null")
	}
	c.Logger = logger
	return c
}

// WithMonitoringService sets the monitoring service to use to publish metrics.
func (c *PartitionManagerOptions) WithMonitoringService(mService metrics.MonitoringService) *PartitionManagerOptions {
	// Nil case is handled downward (at host creation time).
	c.MonitoringService = mService
	return c
}
