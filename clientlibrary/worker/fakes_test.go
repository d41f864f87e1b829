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
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/clientlibrary/storage/memory"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fakeReceiver struct {
	events chan []*kcl.EventData
	errs   chan error
	closed int32
}

func (r *fakeReceiver) Receive(ctx context.Context) ([]*kcl.EventData, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch := <-r.events:
		return batch, nil
	case err := <-r.errs:
		return nil, err
	}
}

func (r *fakeReceiver) Close() error {
	atomic.StoreInt32(&r.closed, 1)
	return nil
}

func (r *fakeReceiver) isClosed() bool {
	return atomic.LoadInt32(&r.closed) == 1
}

type openCall struct {
	epoch    int64
	position kcl.EventPosition
}

type fakeSource struct {
	ids []string

	mux       sync.Mutex
	receivers map[string]*fakeReceiver
	opens     map[string][]openCall
	openErr   map[string]error
}

func newFakeSource(ids ...string) *fakeSource {
	return &fakeSource{
		ids:       ids,
		receivers: make(map[string]*fakeReceiver),
		opens:     make(map[string][]openCall),
		openErr:   make(map[string]error),
	}
}

func (s *fakeSource) PartitionIDs(_ context.Context) ([]string, error) {
	return s.ids, nil
}

func (s *fakeSource) Open(_ context.Context, partitionID string, epoch int64, position kcl.EventPosition) (kcl.EventReceiver, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.opens[partitionID] = append(s.opens[partitionID], openCall{epoch: epoch, position: position})
	if err := s.openErr[partitionID]; err != nil {
		return nil, err
	}
	return s.receiverLocked(partitionID), nil
}

func (s *fakeSource) receiver(partitionID string) *fakeReceiver {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.receiverLocked(partitionID)
}

func (s *fakeSource) receiverLocked(partitionID string) *fakeReceiver {
	r, ok := s.receivers[partitionID]
	if !ok {
		r = &fakeReceiver{
			events: make(chan []*kcl.EventData, 16),
			errs:   make(chan error, 16),
		}
		s.receivers[partitionID] = r
	}
	return r
}

func (s *fakeSource) openCalls(partitionID string) []openCall {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]openCall(nil), s.opens[partitionID]...)
}

func (s *fakeSource) setOpenErr(partitionID string, err error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.openErr[partitionID] = err
}

type recordingFactory struct {
	mux      sync.Mutex
	contexts map[string]kcl.IPartitionContext
	closed   map[string][]kcl.CloseReason
	batches  map[string]int
	errs     map[string]int

	process func(ctx context.Context, input *kcl.ProcessEventsInput) error
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{
		contexts: make(map[string]kcl.IPartitionContext),
		closed:   make(map[string][]kcl.CloseReason),
		batches:  make(map[string]int),
		errs:     make(map[string]int),
	}
}

func (f *recordingFactory) CreateProcessor(pc kcl.IPartitionContext) kcl.IEventProcessor {
	return &recordingProcessor{f: f, id: pc.PartitionID()}
}

func (f *recordingFactory) partitionContext(partitionID string) kcl.IPartitionContext {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.contexts[partitionID]
}

func (f *recordingFactory) closeReasons(partitionID string) []kcl.CloseReason {
	f.mux.Lock()
	defer f.mux.Unlock()
	return append([]kcl.CloseReason(nil), f.closed[partitionID]...)
}

func (f *recordingFactory) batchCount(partitionID string) int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.batches[partitionID]
}

func (f *recordingFactory) errorCount(partitionID string) int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.errs[partitionID]
}

type recordingProcessor struct {
	f  *recordingFactory
	id string
}

func (p *recordingProcessor) OnOpen(_ context.Context, input *kcl.OnOpenInput) error {
	p.f.mux.Lock()
	defer p.f.mux.Unlock()
	p.f.contexts[p.id] = input.PartitionContext
	return nil
}

func (p *recordingProcessor) ProcessEvents(ctx context.Context, input *kcl.ProcessEventsInput) error {
	p.f.mux.Lock()
	p.f.batches[p.id]++
	process := p.f.process
	p.f.mux.Unlock()

	if process != nil {
		return process(ctx, input)
	}
	return nil
}

func (p *recordingProcessor) OnClose(_ context.Context, input *kcl.OnCloseInput) {
	p.f.mux.Lock()
	defer p.f.mux.Unlock()
	p.f.closed[p.id] = append(p.f.closed[p.id], input.Reason)
}

func (p *recordingProcessor) OnError(_ *kcl.OnErrorInput) {
	p.f.mux.Lock()
	defer p.f.mux.Unlock()
	p.f.errs[p.id]++
}

type errorRecorder struct {
	mux  sync.Mutex
	args []*kcl.ExceptionReceivedEventArgs
}

func (r *errorRecorder) handle(args *kcl.ExceptionReceivedEventArgs) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.args = append(r.args, args)
}

func (r *errorRecorder) actions() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	actions := make([]string, 0, len(r.args))
	for _, a := range r.args {
		actions = append(actions, a.Action)
	}
	return actions
}

type recordingMonitor struct {
	metrics.NoopMonitoringService

	mux    sync.Mutex
	gained int
	lost   int
	stolen int
	writes int
	stops  int
}

func (m *recordingMonitor) Shutdown() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.stops++
}

func (m *recordingMonitor) shutdowns() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.stops
}

func (m *recordingMonitor) LeaseGained(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.gained++
}

func (m *recordingMonitor) LeaseLost(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.lost++
}

func (m *recordingMonitor) LeaseStolen(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.stolen++
}

func (m *recordingMonitor) CheckpointWritten(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.writes++
}

func (m *recordingMonitor) counts() (gained, lost, stolen, writes int) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.gained, m.lost, m.stolen, m.writes
}

// failingLeaseStore injects errors into a working lease store.
type failingLeaseStore struct {
	leases.LeaseStore

	mux       sync.Mutex
	listErr   error
	createErr error
}

func (s *failingLeaseStore) setListErr(err error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.listErr = err
}

func (s *failingLeaseStore) GetAllLeasesLightweight(ctx context.Context) ([]leases.BaseLease, error) {
	s.mux.Lock()
	err := s.listErr
	s.mux.Unlock()
	if err != nil {
		return nil, err
	}
	return s.LeaseStore.GetAllLeasesLightweight(ctx)
}

func (s *failingLeaseStore) CreateLeaseStoreIfNotExists(ctx context.Context) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.LeaseStore.CreateLeaseStoreIfNotExists(ctx)
}

// hangingLeaseStore never answers renewals of one partition, nor listings when hangList is set,
// until the caller gives up.
type hangingLeaseStore struct {
	leases.LeaseStore

	partitionID string
	hangList    bool
}

func (s *hangingLeaseStore) RenewLease(ctx context.Context, lease *leases.Lease) (bool, error) {
	if lease.PartitionID == s.partitionID {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return s.LeaseStore.RenewLease(ctx, lease)
}

func (s *hangingLeaseStore) GetAllLeasesLightweight(ctx context.Context) ([]leases.BaseLease, error) {
	if s.hangList {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.LeaseStore.GetAllLeasesLightweight(ctx)
}

// testOptions keeps the background loops idle so tests drive scans and renewals by hand.
func testOptions(hostName string) *config.PartitionManagerOptions {
	return config.NewPartitionManagerOptions("eph-test", hostName).
		WithLease(3600, 1800).
		WithStartupScanDelayInSeconds(3600).
		WithShutdownGraceMillis(2000).
		WithTaskBackoffTimeMillis(10)
}

type testHost struct {
	*EventProcessorHost
	factory *recordingFactory
	handled *errorRecorder
}

func newTestHost(t *testing.T, hostName string, store *memory.MemoryStore, source *fakeSource) *testHost {
	return newTestHostWithOptions(t, testOptions(hostName), store, source)
}

func newTestHostWithOptions(t *testing.T, opts *config.PartitionManagerOptions, store *memory.MemoryStore, source *fakeSource) *testHost {
	return newTestHostWithLeaseStore(t, opts, store, store, source)
}

func newTestHostWithLeaseStore(t *testing.T, opts *config.PartitionManagerOptions, leaseStore leases.LeaseStore,
	store *memory.MemoryStore, source *fakeSource) *testHost {
	th := &testHost{
		factory: newRecordingFactory(),
		handled: &errorRecorder{},
	}
	th.EventProcessorHost = NewEventProcessorHost(opts, leaseStore, store, source).WithErrorHandler(th.handled.handle)
	require.NoError(t, th.Register(context.Background(), th.factory))
	t.Cleanup(func() {
		_ = th.Shutdown()
	})
	return th
}

func (th *testHost) scan() bool {
	return th.manager.scanOnce(context.Background())
}

func (th *testHost) renew() {
	th.manager.renewOnce(context.Background())
}
