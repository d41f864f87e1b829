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
	"sync/atomic"
	"time"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	par "github.com/vmware/vmware-go-eph/clientlibrary/partition"
	"github.com/vmware/vmware-go-eph/logger"
)

type pumpState int32

const (
	pumpStarting pumpState = iota
	pumpRunning
	pumpStopping
	pumpStopped
)

func (s pumpState) String() string {
	switch s {
	case pumpStarting:
		return "Starting"
	case pumpRunning:
		return "Running"
	case pumpStopping:
		return "Stopping"
	case pumpStopped:
		return "Stopped"
	}
	return fmt.Sprintf("pumpState(%d)", int32(s))
}

// partitionPump feeds the events of one owned partition to its processor. It lives from the moment the
// lease is acquired until the lease is lost or the host shuts down, and is never restarted.
type partitionPump struct {
	m      *partitionManager
	status *par.PartitionStatus
	pctx   *partitionContext
	log    logger.Logger

	state int32

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	mux      sync.Mutex
	reason   kcl.CloseReason
	// give the lease back when the pump exits
	release bool

	done chan struct{}
}

func newPartitionPump(m *partitionManager, lease *leases.Lease) *partitionPump {
	ctx, cancel := context.WithCancel(context.Background())
	log := m.log.WithFields(logger.Fields{logger.FieldPartition: lease.PartitionID})
	status := par.NewPartitionStatus(m.hostName, lease)

	p := &partitionPump{
		m:      m,
		status: status,
		pctx:   newPartitionContext(status, m.checkpointStore, m.opts.CheckpointTimeout(), log, m.mService),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.pctx.onLost = func() { m.leaseLost(p) }
	p.pctx.onError = func(err error) { m.notify(kcl.ActionCheckpointing, p.status.ID, err) }
	return p
}

func (p *partitionPump) getState() pumpState {
	return pumpState(atomic.LoadInt32(&p.state))
}

func (p *partitionPump) setState(s pumpState) {
	atomic.StoreInt32(&p.state, int32(s))
}

// stop requests the pump to exit. Only the first reason is kept.
func (p *partitionPump) stop(reason kcl.CloseReason) {
	p.stopOnce.Do(func() {
		p.mux.Lock()
		p.reason = reason
		if reason == kcl.Shutdown {
			p.release = true
		}
		p.mux.Unlock()
		p.cancel()
	})
}

func (p *partitionPump) closeReason() (kcl.CloseReason, bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.reason, p.release
}

// abandon finishes a pump that never ran.
func (p *partitionPump) abandon() {
	p.stop(kcl.LeaseLost)
	p.setState(pumpStopped)
	close(p.done)
}

func (p *partitionPump) run() {
	defer close(p.done)
	defer p.setState(pumpStopped)

	p.setState(pumpStarting)
	p.log.Infof("Starting partition pump at epoch %d", p.status.GetEpoch())

	processor, receiver, err := p.open()
	if err != nil && p.ctx.Err() == nil {
		p.m.notify(kcl.ActionOpening, p.status.ID, err)
		p.m.leaseLost(p)
		p.mux.Lock()
		p.release = true
		p.mux.Unlock()
	}

	if err == nil {
		p.receive(processor, receiver)
	}

	p.setState(pumpStopping)
	if receiver != nil {
		if err := receiver.Close(); err != nil {
			p.log.Warnf("Error closing receiver: %+v", err)
		}
	}

	reason, release := p.closeReason()
	if processor != nil {
		p.closeProcessor(processor, reason)
	}
	if release {
		p.releaseLease()
	}
	p.log.Infof("Partition pump stopped, reason: %s", reason)
}

// open resolves the start position, opens the processor then the receiver. The returned processor is
// non-nil once OnOpen succeeded.
func (p *partitionPump) open() (kcl.IEventProcessor, kcl.EventReceiver, error) {
	position, err := p.startPosition()
	if err != nil {
		return nil, nil, err
	}

	processor := p.m.factory.CreateProcessor(p.pctx)
	if processor == nil {
		return nil, nil, errors.New("processor factory returned nil")
	}

	err = safely(func() error {
		return processor.OnOpen(p.ctx, &kcl.OnOpenInput{
			PartitionContext: p.pctx,
			StartPosition:    position,
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("processor failed to open: %w", err)
	}

	receiver, err := p.m.source.Open(p.ctx, p.status.ID, p.status.GetEpoch(), position)
	if err != nil {
		return processor, nil, fmt.Errorf("failed to open receiver: %w", err)
	}
	return processor, receiver, nil
}

func (p *partitionPump) startPosition() (kcl.EventPosition, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.m.opts.CheckpointTimeout())
	defer cancel()

	cp, err := p.m.checkpointStore.GetCheckpoint(ctx, p.status.ID)
	if err != nil && !errors.Is(err, chk.ErrCheckpointNotFound) {
		return kcl.EventPosition{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if err == nil && cp.IsInitialized() {
		p.status.SetCheckpoint(cp)
		p.log.Debugf("Resuming from checkpoint offset %s sequence number %d", cp.Offset, cp.SequenceNumber)
		return kcl.EventPosition{Offset: cp.Offset, SequenceNumber: cp.SequenceNumber}, nil
	}

	initial := p.m.opts.InitialPositionProvider(p.status.ID)
	p.log.Debugf("No checkpoint found, starting from %s", initial.Position)
	return kcl.EventPosition{SequenceNumber: chk.UninitializedSequenceNumber, Initial: &initial}, nil
}

func (p *partitionPump) receive(processor kcl.IEventProcessor, receiver kcl.EventReceiver) {
	for p.ctx.Err() == nil {
		events, err := receiver.Receive(p.ctx)
		if p.ctx.Err() != nil {
			return
		}

		if err != nil {
			p.m.notify(kcl.ActionReceiving, p.status.ID, err)
			p.onError(processor, err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.m.opts.TaskBackoff()):
			}
			continue
		}

		if p.getState() == pumpStarting {
			p.setState(pumpRunning)
			p.log.Debugf("Partition pump running")
		}
		if len(events) > 0 {
			p.processEvents(processor, events)
		}
	}
}

func (p *partitionPump) processEvents(processor kcl.IEventProcessor, events []*kcl.EventData) {
	last := events[len(events)-1]
	p.status.SetLastEvent(last.Offset, last.SequenceNumber)

	var bytes int64
	for _, e := range events {
		bytes += int64(len(e.Body))
	}

	start := time.Now()
	err := safely(func() error {
		return processor.ProcessEvents(p.ctx, &kcl.ProcessEventsInput{
			ReceivedTime:     start,
			Events:           events,
			PartitionContext: p.pctx,
		})
	})
	processedTime := time.Since(start).Milliseconds()

	p.m.mService.IncrEventsProcessed(p.status.ID, len(events))
	p.m.mService.IncrBytesProcessed(p.status.ID, bytes)
	p.m.mService.RecordProcessEventsTime(p.status.ID, float64(processedTime))

	if err != nil {
		p.m.notify(kcl.ActionProcessEvents, p.status.ID, err)
		p.onError(processor, err)
	}
}

func (p *partitionPump) onError(processor kcl.IEventProcessor, err error) {
	perr := safely(func() error {
		processor.OnError(&kcl.OnErrorInput{Err: err, PartitionContext: p.pctx})
		return nil
	})
	if perr != nil {
		p.log.Errorf("Processor OnError failed: %+v", perr)
	}
}

func (p *partitionPump) closeProcessor(processor kcl.IEventProcessor, reason kcl.CloseReason) {
	ctx, cancel := context.WithTimeout(context.Background(), p.m.opts.ShutdownGrace())
	defer cancel()

	err := safely(func() error {
		processor.OnClose(ctx, &kcl.OnCloseInput{Reason: reason, PartitionContext: p.pctx})
		return nil
	})
	if err != nil {
		p.m.notify(kcl.ActionClosing, p.status.ID, err)
	}
}

func (p *partitionPump) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), p.m.opts.ShutdownGrace())
	defer cancel()

	if err := p.m.leaseStore.ReleaseLease(ctx, p.status.GetLease()); err != nil {
		p.m.notify(kcl.ActionReleasing, p.status.ID, err)
		return
	}
	p.log.Infof("Released lease")
}

// safely runs fn and turns a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
