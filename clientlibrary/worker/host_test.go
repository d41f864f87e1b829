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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/storage/memory"
)

func TestRegisterAndShutdown(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore(time.Hour)
	source := newFakeSource("0", "1")
	h := newTestHost(t, "host-a", store, source)

	assert.Equal(t, "host-a", h.HostName())
	assert.Empty(t, h.OwnedPartitions())
	assert.ErrorIs(t, h.Register(ctx, h.factory), ErrAlreadyRegistered)

	// stores and placeholders are created at registration
	for _, id := range source.ids {
		lease, err := store.GetLease(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, lease.Owner)

		cp, err := store.GetCheckpoint(ctx, id)
		require.NoError(t, err)
		assert.False(t, cp.IsInitialized())
	}

	assert.True(t, h.scan())
	assert.Eventually(t, func() bool {
		return len(source.openCalls("0")) == 1 && len(source.openCalls("1")) == 1
	}, waitFor, tick)

	require.NoError(t, h.Shutdown())
	require.NoError(t, h.Shutdown())

	assert.Empty(t, h.OwnedPartitions())
	for _, id := range source.ids {
		assert.Equal(t, []kcl.CloseReason{kcl.Shutdown}, h.factory.closeReasons(id))
		assert.True(t, source.receiver(id).isClosed())

		lease, err := store.GetLease(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, lease.Owner, "lease of partition %s should be released", id)
	}

	assert.ErrorIs(t, h.Register(ctx, h.factory), ErrHostShutdown)
	assert.ErrorIs(t, h.executor.Submit(func() {}), ErrExecutorShutdown)
}

func TestShutdownBeforeRegister(t *testing.T) {
	store := memory.NewMemoryStore(time.Hour)
	h := NewEventProcessorHost(testOptions("host-a"), store, store, newFakeSource("0"))

	assert.NoError(t, h.Shutdown())
	assert.ErrorIs(t, h.Register(context.Background(), newRecordingFactory()), ErrHostShutdown)
}

func TestRegisterInvalidOptions(t *testing.T) {
	store := memory.NewMemoryStore(time.Hour)
	opts := testOptions("host-a")
	opts.LeaseRenewIntervalInSeconds = opts.LeaseDurationInSeconds + 1

	h := NewEventProcessorHost(opts, store, store, newFakeSource("0"))
	err := h.Register(context.Background(), newRecordingFactory())
	assert.Error(t, err)
	assert.Nil(t, h.OwnedPartitions())
	assert.NoError(t, h.Shutdown())
}

func TestRegisterStoreFailureIsFatal(t *testing.T) {
	store := memory.NewMemoryStore(time.Hour)
	boom := errors.New("table unavailable")
	leaseStore := &failingLeaseStore{LeaseStore: store, createErr: boom}
	monitor := &recordingMonitor{}

	h := NewEventProcessorHost(testOptions("host-a").WithMonitoringService(monitor), leaseStore, store, newFakeSource("0"))
	err := h.Register(context.Background(), newRecordingFactory())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, h.OwnedPartitions())
	assert.Equal(t, 1, monitor.shutdowns())
	assert.NoError(t, h.Shutdown())
}

func TestOptionsAreCopiedAtRegistration(t *testing.T) {
	store := memory.NewMemoryStore(time.Hour)
	opts := testOptions("host-a")
	h := NewEventProcessorHost(opts, store, store, newFakeSource("0"))
	require.NoError(t, h.Register(context.Background(), newRecordingFactory()))
	defer h.Shutdown()

	opts.HostName = "someone-else"
	assert.Equal(t, "host-a", h.HostName())
}

type countingExecutor struct {
	Executor
	submitted int32
	shutdowns int32
}

func (e *countingExecutor) Submit(task func()) error {
	atomic.AddInt32(&e.submitted, 1)
	return e.Executor.Submit(task)
}

func (e *countingExecutor) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&e.shutdowns, 1)
	return e.Executor.Shutdown(ctx)
}

func TestCallerExecutorIsNotShutdown(t *testing.T) {
	store := memory.NewMemoryStore(time.Hour)
	exec := &countingExecutor{Executor: NewGoroutineExecutor(nil)}
	defer exec.Executor.Shutdown(context.Background())

	h := NewEventProcessorHost(testOptions("host-a"), store, store, newFakeSource("0")).WithExecutor(exec)
	require.NoError(t, h.Register(context.Background(), newRecordingFactory()))
	require.True(t, h.manager.scanOnce(context.Background()))
	require.NoError(t, h.Shutdown())

	// scan loop, renew loop and one pump
	assert.GreaterOrEqual(t, atomic.LoadInt32(&exec.submitted), int32(3))
	assert.Equal(t, int32(0), atomic.LoadInt32(&exec.shutdowns))
	assert.NoError(t, exec.Submit(func() {}))
}

func TestHostsBalanceWithBackgroundLoops(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real scan and renew loops")
	}

	store := memory.NewMemoryStore(2 * time.Second)
	source := newFakeSource("0", "1", "2", "3")
	options := func(hostName string) *config.PartitionManagerOptions {
		return config.NewPartitionManagerOptions("eph-test", hostName).
			WithLease(2, 1).
			WithStartupScanDelayInSeconds(1).
			WithFastScanIntervalInSeconds(1).
			WithSlowScanIntervalInSeconds(1).
			WithShutdownGraceMillis(2000)
	}

	a := newTestHostWithOptions(t, options("host-a"), store, source)
	assert.Eventually(t, func() bool {
		return len(a.OwnedPartitions()) == 4
	}, 10*time.Second, 100*time.Millisecond)

	b := newTestHostWithOptions(t, options("host-b"), store, source)
	assert.Eventually(t, func() bool {
		return len(a.OwnedPartitions()) == 2 && len(b.OwnedPartitions()) == 2
	}, 20*time.Second, 100*time.Millisecond)

	require.NoError(t, b.Shutdown())
	assert.Eventually(t, func() bool {
		return len(a.OwnedPartitions()) == 4
	}, 10*time.Second, 100*time.Millisecond)
}

func TestRegisterCleansUpWhenLoopsCannotStart(t *testing.T) {
	store := memory.NewMemoryStore(time.Hour)
	monitor := &recordingMonitor{}
	closed := NewGoroutineExecutor(nil)
	require.NoError(t, closed.Shutdown(context.Background()))
	exec := &countingExecutor{Executor: closed}

	h := NewEventProcessorHost(testOptions("host-a").WithMonitoringService(monitor), store, store, newFakeSource("0")).
		WithExecutor(exec)
	err := h.Register(context.Background(), newRecordingFactory())
	assert.ErrorIs(t, err, ErrExecutorShutdown)
	assert.Nil(t, h.OwnedPartitions())

	assert.Equal(t, 1, monitor.shutdowns())
	// the caller keeps its executor
	assert.Equal(t, int32(0), atomic.LoadInt32(&exec.shutdowns))
	assert.NoError(t, h.Shutdown())
}
