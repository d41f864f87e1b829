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
	"sort"
	"sync"
	"time"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/logger"
)

// partitionManager owns the scan and renew loops of a host and the set of partitions it currently
// pumps. A partition is in the owned set from a successful acquire until its lease is lost or the
// host shuts down.
type partitionManager struct {
	hostName        string
	opts            *config.PartitionManagerOptions
	log             logger.Logger
	leaseStore      leases.LeaseStore
	checkpointStore chk.CheckpointStore
	source          kcl.EventSource
	factory         kcl.IEventProcessorFactory
	executor        Executor
	mService        metrics.MonitoringService
	handler         func(*kcl.ExceptionReceivedEventArgs)

	mux     sync.Mutex
	owned   map[string]*partitionPump
	closing bool

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
}

func newPartitionManager(h *EventProcessorHost, opts *config.PartitionManagerOptions, factory kcl.IEventProcessorFactory) *partitionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &partitionManager{
		hostName:        opts.HostName,
		opts:            opts,
		log:             h.log,
		leaseStore:      h.leaseStore,
		checkpointStore: h.checkpointStore,
		source:          h.source,
		factory:         factory,
		executor:        h.executor,
		mService:        h.mService,
		handler:         h.errorHandler,
		owned:           make(map[string]*partitionPump),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// start submits the scan and renew loops.
func (m *partitionManager) start() error {
	m.waitGroup.Add(2)
	if err := m.executor.Submit(m.scanLoop); err != nil {
		m.waitGroup.Add(-2)
		return err
	}
	if err := m.executor.Submit(m.renewLoop); err != nil {
		m.waitGroup.Done()
		m.cancel()
		return err
	}
	return nil
}

// notify logs a non-fatal failure and hands it to the error handler.
func (m *partitionManager) notify(action, partitionID string, err error) {
	log := m.log.WithFields(logger.Fields{logger.FieldAction: action})
	if partitionID != "" {
		log = log.WithFields(logger.Fields{logger.FieldPartition: partitionID})
	}
	log.Errorf("Error while %s: %+v", action, err)

	if m.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error handler panicked: %v", r)
		}
	}()
	m.handler(&kcl.ExceptionReceivedEventArgs{
		HostName:    m.hostName,
		Action:      action,
		PartitionID: partitionID,
		Err:         err,
	})
}

// storeCallTimeout bounds each lease store call of the scanner and the renewer.
func (m *partitionManager) storeCallTimeout() time.Duration {
	return m.opts.LeaseRenewInterval()
}

func (m *partitionManager) ownedPumps() map[string]*partitionPump {
	m.mux.Lock()
	defer m.mux.Unlock()
	pumps := make(map[string]*partitionPump, len(m.owned))
	for id, p := range m.owned {
		pumps[id] = p
	}
	return pumps
}

func (m *partitionManager) ownedPartitions() []string {
	m.mux.Lock()
	ids := make([]string, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	m.mux.Unlock()
	sort.Strings(ids)
	return ids
}

// startPump adds an acquired lease to the owned set and runs its pump.
func (m *partitionManager) startPump(lease *leases.Lease) bool {
	m.mux.Lock()
	if m.closing {
		m.mux.Unlock()
		m.log.Debugf("Host is closing, giving back partition %s", lease.PartitionID)
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownGrace())
		defer cancel()
		if err := m.leaseStore.ReleaseLease(ctx, lease); err != nil {
			m.notify(kcl.ActionReleasing, lease.PartitionID, err)
		}
		return false
	}
	if _, ok := m.owned[lease.PartitionID]; ok {
		m.mux.Unlock()
		return false
	}
	p := newPartitionPump(m, lease)
	m.owned[lease.PartitionID] = p
	m.mux.Unlock()

	if err := m.executor.Submit(p.run); err != nil {
		m.notify(kcl.ActionOpening, lease.PartitionID, err)
		m.removePump(p)
		p.abandon()
		return false
	}
	return true
}

// removePump drops p from the owned set unless a newer pump replaced it.
func (m *partitionManager) removePump(p *partitionPump) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.owned[p.status.ID] != p {
		return false
	}
	delete(m.owned, p.status.ID)
	return true
}

// leaseLost stops treating the partition as owned and closes its pump.
func (m *partitionManager) leaseLost(p *partitionPump) {
	p.pctx.leaseLost()
	if m.removePump(p) {
		m.log.Infof("Lost lease on partition %s", p.status.ID)
		m.mService.LeaseLost(p.status.ID)
	}
	p.stop(kcl.LeaseLost)
}

// stopPumps closes the owned set to new pumps and stops every running one.
func (m *partitionManager) stopPumps() []*partitionPump {
	m.mux.Lock()
	m.closing = true
	pumps := make([]*partitionPump, 0, len(m.owned))
	for id, p := range m.owned {
		pumps = append(pumps, p)
		delete(m.owned, id)
	}
	m.mux.Unlock()

	for _, p := range pumps {
		p.stop(kcl.Shutdown)
	}
	return pumps
}

// stopLoops cancels the scan and renew loops and waits for them.
func (m *partitionManager) stopLoops(ctx context.Context) error {
	m.cancel()
	return wait(ctx, &m.waitGroup)
}

func waitPumps(ctx context.Context, pumps []*partitionPump) error {
	for _, p := range pumps {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
