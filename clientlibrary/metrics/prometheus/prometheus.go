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
// The implementation is derived from https://github.com/patrobinson/gokini
//
// Copyright 2018 Patrick robinson
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of this software and associated documentation files (the "Software"), to deal in the Software without restriction, including without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmware/vmware-go-eph/logger"
)

// MonitoringService publishes event processor host metrics to Prometheus.
// Collectors are registered on prom.DefaultRegisterer unless WithRegistry is used, which matters
// when the embedding service already exports its own Prometheus metrics.
type MonitoringService struct {
	listenAddress string
	namespace     string
	hostName      string
	logger        logger.Logger

	registerer prom.Registerer
	gatherer   prom.Gatherer
	server     *http.Server

	leasesHeld         *prom.GaugeVec
	leaseRenewals      *prom.CounterVec
	leasesStolen       *prom.CounterVec
	processedEvents    *prom.CounterVec
	processedBytes     *prom.CounterVec
	processEventsTime  *prom.HistogramVec
	checkpointsWritten *prom.CounterVec
	scanTime           prom.Histogram
}

// NewMonitoringService returns a Monitoring service publishing metrics to Prometheus.
func NewMonitoringService(listenAddress string, logger logger.Logger) *MonitoringService {
	return &MonitoringService{
		listenAddress: listenAddress,
		logger:        logger,
		registerer:    prom.DefaultRegisterer,
		gatherer:      prom.DefaultGatherer,
	}
}

// WithRegistry registers collectors on a private registry and serves it instead of the default one.
func (p *MonitoringService) WithRegistry(registry *prom.Registry) *MonitoringService {
	p.registerer = registry
	p.gatherer = registry
	return p
}

func (p *MonitoringService) Init(appName, hostName string) error {
	p.namespace = appName
	p.hostName = hostName

	p.leasesHeld = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_leases_held`,
		Help: "The number of leases held by the host",
	}, []string{"partition", "host"})
	p.leaseRenewals = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_renewals`,
		Help: "The number of successful lease renewals",
	}, []string{"partition", "host"})
	p.leasesStolen = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_leases_stolen`,
		Help: "The number of leases taken over from another host",
	}, []string{"partition", "host"})
	p.processedEvents = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_processed_events`,
		Help: "Number of events processed",
	}, []string{"partition"})
	p.processedBytes = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_processed_bytes`,
		Help: "Number of bytes processed",
	}, []string{"partition"})
	p.processEventsTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_process_events_duration_seconds`,
		Help: "The time taken by the event processor to handle a batch",
	}, []string{"partition"})
	p.checkpointsWritten = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_checkpoints_written`,
		Help: "The number of checkpoints persisted",
	}, []string{"partition"})
	p.scanTime = prom.NewHistogram(prom.HistogramOpts{
		Name: p.namespace + `_partition_scan_duration_seconds`,
		Help: "The time taken by one partition scan cycle",
	})

	metrics := []prom.Collector{
		p.leasesHeld,
		p.leaseRenewals,
		p.leasesStolen,
		p.processedEvents,
		p.processedBytes,
		p.processEventsTime,
		p.checkpointsWritten,
		p.scanTime,
	}
	for _, metric := range metrics {
		if err := p.registerer.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	if p.listenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	p.server = &http.Server{Addr: p.listenAddress, Handler: mux}

	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		err := p.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {
	if p.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.Warnf("Error stopping Prometheus metrics endpoint. %+v", err)
	}
}

func (p *MonitoringService) LeaseGained(partition string) {
	p.leasesHeld.With(prom.Labels{"partition": partition, "host": p.hostName}).Inc()
}

func (p *MonitoringService) LeaseLost(partition string) {
	p.leasesHeld.With(prom.Labels{"partition": partition, "host": p.hostName}).Dec()
}

func (p *MonitoringService) LeaseRenewed(partition string) {
	p.leaseRenewals.With(prom.Labels{"partition": partition, "host": p.hostName}).Inc()
}

func (p *MonitoringService) LeaseStolen(partition string) {
	p.leasesStolen.With(prom.Labels{"partition": partition, "host": p.hostName}).Inc()
}

func (p *MonitoringService) IncrEventsProcessed(partition string, count int) {
	p.processedEvents.With(prom.Labels{"partition": partition}).Add(float64(count))
}

func (p *MonitoringService) IncrBytesProcessed(partition string, count int64) {
	p.processedBytes.With(prom.Labels{"partition": partition}).Add(float64(count))
}

func (p *MonitoringService) RecordProcessEventsTime(partition string, millis float64) {
	p.processEventsTime.With(prom.Labels{"partition": partition}).Observe(millis / 1000)
}

func (p *MonitoringService) CheckpointWritten(partition string) {
	p.checkpointsWritten.With(prom.Labels{"partition": partition}).Inc()
}

func (p *MonitoringService) RecordScanTime(millis float64) {
	p.scanTime.Observe(millis / 1000)
}
