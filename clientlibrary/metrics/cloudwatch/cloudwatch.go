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
package cloudwatch

import (
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	cwatch "github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"

	"github.com/vmware/vmware-go-eph/logger"
)

// DefaultCloudwatchMetricsBufferDuration is the flush period when none is configured.
const DefaultCloudwatchMetricsBufferDuration = time.Minute

// MonitoringService buffers partition metrics in memory and publishes them to CloudWatch on
// every flush period.
type MonitoringService struct {
	appName  string
	hostName string
	region   string
	creds    *credentials.Credentials
	logger   logger.Logger

	// control how often to publish to CloudWatch
	bufferDuration time.Duration

	stop      chan struct{}
	waitGroup sync.WaitGroup
	svc       cloudwatchiface.CloudWatchAPI

	mu               sync.Mutex
	partitionMetrics map[string]*cloudWatchMetrics
	scanTime         []float64
}

type cloudWatchMetrics struct {
	processedEvents    int64
	processedBytes     int64
	leasesHeld         int64
	leaseRenewals      int64
	leasesStolen       int64
	checkpoints        int64
	processEventsTime  []float64
}

// NewMonitoringService returns a Monitoring service publishing metrics to CloudWatch.
func NewMonitoringService(region string, creds *credentials.Credentials, logger logger.Logger) *MonitoringService {
	return NewMonitoringServiceWithOptions(region, creds, logger, DefaultCloudwatchMetricsBufferDuration)
}

// NewMonitoringServiceWithOptions returns a Monitoring service publishing metrics to
// CloudWatch with the provided credentials, buffering duration and logger.
func NewMonitoringServiceWithOptions(region string, creds *credentials.Credentials, logger logger.Logger, bufferDur time.Duration) *MonitoringService {
	if bufferDur <= 0 {
		bufferDur = DefaultCloudwatchMetricsBufferDuration
	}
	return &MonitoringService{
		region:         region,
		creds:          creds,
		logger:         logger,
		bufferDuration: bufferDur,
	}
}

// WithCloudWatch is used to provide CloudWatch service for either custom implementation or unit testing.
func (cw *MonitoringService) WithCloudWatch(svc cloudwatchiface.CloudWatchAPI) *MonitoringService {
	cw.svc = svc
	return cw
}

func (cw *MonitoringService) Init(appName, hostName string) error {
	cw.appName = appName
	cw.hostName = hostName
	cw.partitionMetrics = make(map[string]*cloudWatchMetrics)

	if cw.svc != nil {
		return nil
	}

	cfg := &aws.Config{Region: aws.String(cw.region)}
	cfg = cfg.WithCredentials(cw.creds)
	s, err := session.NewSession(cfg)
	if err != nil {
		cw.logger.Errorf("Error in creating session for cloudwatch. %+v", err)
		return err
	}
	cw.svc = cwatch.New(s)
	return nil
}

func (cw *MonitoringService) Start() error {
	cw.stop = make(chan struct{})
	cw.waitGroup.Add(1)
	go func() {
		defer cw.waitGroup.Done()
		cw.eventloop()
	}()
	return nil
}

func (cw *MonitoringService) Shutdown() {
	if cw.stop == nil {
		return
	}
	cw.logger.Infof("Shutting down cloudwatch metrics system...")
	close(cw.stop)
	cw.waitGroup.Wait()
	cw.stop = nil
	cw.logger.Infof("Cloudwatch metrics system has been shutdown.")
}

// Start daemon to flush metrics periodically
func (cw *MonitoringService) eventloop() {
	ticker := time.NewTicker(cw.bufferDuration)
	defer ticker.Stop()

	for {
		select {
		case <-cw.stop:
			cw.logger.Infof("Shutting down monitoring system")
			cw.flush()
			return
		case <-ticker.C:
			cw.flush()
		}
	}
}

func (cw *MonitoringService) flushPartition(partition string, metric *cloudWatchMetrics) bool {
	defaultDimensions := []*cwatch.Dimension{
		{
			Name:  aws.String("Partition"),
			Value: aws.String(partition),
		},
		{
			Name:  aws.String("HostName"),
			Value: aws.String(cw.hostName),
		},
	}

	metricTimestamp := time.Now()
	data := []*cwatch.MetricDatum{
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("EventsProcessed"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processedEvents)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("DataBytesProcessed"),
			Unit:       aws.String("Bytes"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processedBytes)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("RenewLease.Success"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leaseRenewals)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("StealLease.Success"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leasesStolen)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("CurrentLeases"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leasesHeld)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("Checkpoint.Success"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.checkpoints)),
		},
	}

	if len(metric.processEventsTime) > 0 {
		data = append(data, &cwatch.MetricDatum{
			Dimensions:      defaultDimensions,
			MetricName:      aws.String("EventProcessor.processEvents.Time"),
			Unit:            aws.String("Milliseconds"),
			Timestamp:       &metricTimestamp,
			StatisticValues: statisticSet(metric.processEventsTime),
		})
	}

	// Publish metrics data to cloud watch
	_, err := cw.svc.PutMetricData(&cwatch.PutMetricDataInput{
		Namespace:  aws.String(cw.appName),
		MetricData: data,
	})

	if err != nil {
		cw.logger.Errorf("Error in publishing cloudwatch metrics. Error: %+v", err)
		return false
	}

	// leasesHeld is a gauge and survives the flush
	metric.processedEvents = 0
	metric.processedBytes = 0
	metric.leaseRenewals = 0
	metric.leasesStolen = 0
	metric.checkpoints = 0
	metric.processEventsTime = []float64{}
	return true
}

func (cw *MonitoringService) flushScanTime() {
	if len(cw.scanTime) == 0 {
		return
	}
	metricTimestamp := time.Now()
	_, err := cw.svc.PutMetricData(&cwatch.PutMetricDataInput{
		Namespace: aws.String(cw.appName),
		MetricData: []*cwatch.MetricDatum{
			{
				Dimensions: []*cwatch.Dimension{
					{Name: aws.String("HostName"), Value: aws.String(cw.hostName)},
				},
				MetricName:      aws.String("PartitionScan.Time"),
				Unit:            aws.String("Milliseconds"),
				Timestamp:       &metricTimestamp,
				StatisticValues: statisticSet(cw.scanTime),
			},
		},
	})
	if err != nil {
		cw.logger.Errorf("Error in publishing cloudwatch metrics. Error: %+v", err)
		return
	}
	cw.scanTime = []float64{}
}

func (cw *MonitoringService) flush() {
	cw.logger.Debugf("Flushing metrics data. Stream: %s, Host: %s", cw.appName, cw.hostName)

	cw.mu.Lock()
	defer cw.mu.Unlock()

	for partition, metric := range cw.partitionMetrics {
		cw.flushPartition(partition, metric)
	}
	cw.flushScanTime()
}

// metricsFor must be called with cw.mu held.
func (cw *MonitoringService) metricsFor(partition string) *cloudWatchMetrics {
	m, ok := cw.partitionMetrics[partition]
	if !ok {
		m = &cloudWatchMetrics{}
		cw.partitionMetrics[partition] = m
	}
	return m
}

func (cw *MonitoringService) LeaseGained(partition string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).leasesHeld++
}

func (cw *MonitoringService) LeaseLost(partition string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).leasesHeld--
}

func (cw *MonitoringService) LeaseRenewed(partition string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).leaseRenewals++
}

func (cw *MonitoringService) LeaseStolen(partition string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).leasesStolen++
}

func (cw *MonitoringService) IncrEventsProcessed(partition string, count int) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).processedEvents += int64(count)
}

func (cw *MonitoringService) IncrBytesProcessed(partition string, count int64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).processedBytes += count
}

func (cw *MonitoringService) RecordProcessEventsTime(partition string, millis float64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	m := cw.metricsFor(partition)
	m.processEventsTime = append(m.processEventsTime, millis)
}

func (cw *MonitoringService) CheckpointWritten(partition string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metricsFor(partition).checkpoints++
}

func (cw *MonitoringService) RecordScanTime(millis float64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.scanTime = append(cw.scanTime, millis)
}

func statisticSet(values []float64) *cwatch.StatisticSet {
	return &cwatch.StatisticSet{
		SampleCount: aws.Float64(float64(len(values))),
		Sum:         sumFloat64(values),
		Maximum:     maxFloat64(values),
		Minimum:     minFloat64(values),
	}
}

func sumFloat64(slice []float64) *float64 {
	sum := float64(0)
	for _, num := range slice {
		sum += num
	}
	return &sum
}

func maxFloat64(slice []float64) *float64 {
	if len(slice) < 1 {
		return aws.Float64(0)
	}
	max := slice[0]
	for _, num := range slice {
		if num > max {
			max = num
		}
	}
	return &max
}

func minFloat64(slice []float64) *float64 {
	if len(slice) < 1 {
		return aws.Float64(0)
	}
	min := slice[0]
	for _, num := range slice {
		if num < min {
			min = num
		}
	}
	return &min
}
