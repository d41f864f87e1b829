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
	"fmt"
	"sync"
	"time"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	par "github.com/vmware/vmware-go-eph/clientlibrary/partition"
	"github.com/vmware/vmware-go-eph/logger"
)

// partitionContext implements IPartitionContext for one pump. Checkpoint writes are serialized and
// never move the checkpoint backwards relative to what this host already wrote.
type partitionContext struct {
	status   *par.PartitionStatus
	store    checkpoint.CheckpointStore
	timeout  time.Duration
	log      logger.Logger
	mService metrics.MonitoringService

	// called when the store reports the lease as lost
	onLost func()
	// called on store failures
	onError func(err error)

	// cancelled when the lease is lost, aborting in-flight writes
	lostCtx  context.Context
	markLost context.CancelFunc

	mux sync.Mutex
}

var _ kcl.IPartitionContext = (*partitionContext)(nil)

func newPartitionContext(status *par.PartitionStatus, store checkpoint.CheckpointStore, timeout time.Duration,
	log logger.Logger, mService metrics.MonitoringService) *partitionContext {
	lostCtx, markLost := context.WithCancel(context.Background())
	return &partitionContext{
		status:   status,
		store:    store,
		timeout:  timeout,
		log:      log,
		mService: mService,
		onLost:   func() {},
		onError:  func(error) {},
		lostCtx:  lostCtx,
		markLost: markLost,
	}
}

func (pc *partitionContext) PartitionID() string {
	return pc.status.ID
}

func (pc *partitionContext) HostName() string {
	return pc.status.HostName
}

func (pc *partitionContext) Owner() string {
	return pc.status.GetLeaseOwner()
}

func (pc *partitionContext) Epoch() int64 {
	return pc.status.GetEpoch()
}

func (pc *partitionContext) Checkpoint(ctx context.Context) error {
	offset, seq, ok := pc.status.GetLastEvent()
	if !ok {
		return ErrNoEventReceived
	}
	return pc.CheckpointAt(ctx, offset, seq)
}

func (pc *partitionContext) CheckpointEvent(ctx context.Context, event *kcl.EventData) error {
	if event == nil {
		return errors.New("cannot checkpoint a nil event")
	}
	return pc.CheckpointAt(ctx, event.Offset, event.SequenceNumber)
}

func (pc *partitionContext) CheckpointAt(ctx context.Context, offset string, sequenceNumber int64) error {
	if pc.status.IsLost() {
		return leases.ErrLeaseLost
	}
	if _, _, ok := pc.status.GetLastEvent(); !ok {
		return ErrNoEventReceived
	}

	pc.mux.Lock()
	defer pc.mux.Unlock()

	if pc.status.IsBackward(sequenceNumber) {
		_, current := pc.status.GetCheckpoint()
		pc.log.Debugf("Ignoring checkpoint at sequence number %d behind %d", sequenceNumber, current)
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, pc.timeout)
	defer cancel()
	stop := context.AfterFunc(pc.lostCtx, cancel)
	defer stop()

	err := pc.store.UpdateCheckpoint(writeCtx, pc.status.GetLease(), &checkpoint.Checkpoint{
		PartitionID:    pc.status.ID,
		Offset:         offset,
		SequenceNumber: sequenceNumber,
	})
	if err != nil {
		if errors.Is(err, leases.ErrLeaseLost) {
			pc.log.Warnf("Checkpoint rejected, lease is lost")
			pc.onLost()
			return leases.ErrLeaseLost
		}
		if pc.status.IsLost() {
			return leases.ErrLeaseLost
		}
		pc.onError(err)
		return fmt.Errorf("checkpoint at sequence number %d failed: %w", sequenceNumber, err)
	}

	pc.status.AdvanceCheckpoint(offset, sequenceNumber)
	pc.mService.CheckpointWritten(pc.status.ID)
	return nil
}

// leaseLost fails pending and future checkpoint writes.
func (pc *partitionContext) leaseLost() {
	pc.status.MarkLost()
	pc.markLost()
}
