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
package prometheus

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/logger"
)

var _ metrics.MonitoringService = (*MonitoringService)(nil)

func newTestService(t *testing.T) *MonitoringService {
	svc := NewMonitoringService("", logger.GetDefaultLogger()).WithRegistry(prom.NewRegistry())
	require.NoError(t, svc.Init("eph", "host-1"))
	return svc
}

func TestLeaseGauges(t *testing.T) {
	svc := newTestService(t)

	svc.LeaseGained("0")
	svc.LeaseGained("1")
	svc.LeaseLost("1")
	svc.LeaseRenewed("0")
	svc.LeaseRenewed("0")
	svc.LeaseStolen("0")

	assert.Equal(t, float64(1), testutil.ToFloat64(svc.leasesHeld.WithLabelValues("0", "host-1")))
	assert.Equal(t, float64(0), testutil.ToFloat64(svc.leasesHeld.WithLabelValues("1", "host-1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(svc.leaseRenewals.WithLabelValues("0", "host-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.leasesStolen.WithLabelValues("0", "host-1")))
}

func TestEventCounters(t *testing.T) {
	svc := newTestService(t)

	svc.IncrEventsProcessed("3", 10)
	svc.IncrEventsProcessed("3", 5)
	svc.IncrBytesProcessed("3", 1024)
	svc.CheckpointWritten("3")
	svc.RecordProcessEventsTime("3", 12)
	svc.RecordScanTime(3)

	assert.Equal(t, float64(15), testutil.ToFloat64(svc.processedEvents.WithLabelValues("3")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(svc.processedBytes.WithLabelValues("3")))
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.checkpointsWritten.WithLabelValues("3")))
}

func TestInitTwiceOnSameRegistryFails(t *testing.T) {
	registry := prom.NewRegistry()
	svc := NewMonitoringService("", logger.GetDefaultLogger()).WithRegistry(registry)
	require.NoError(t, svc.Init("eph", "host-1"))

	again := NewMonitoringService("", logger.GetDefaultLogger()).WithRegistry(registry)
	assert.Error(t, again.Init("eph", "host-1"))
}

func TestStartWithoutAddressIsNoop(t *testing.T) {
	svc := newTestService(t)
	assert.NoError(t, svc.Start())
	svc.Shutdown()
}
