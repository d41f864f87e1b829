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
	"time"

	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
)

// renewLoop renews every owned lease at the renew interval.
func (m *partitionManager) renewLoop() {
	defer m.waitGroup.Done()

	ticker := time.NewTicker(m.opts.LeaseRenewInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.log.Debugf("Lease renewer stopped")
			return
		case <-ticker.C:
			m.renewOnce(m.ctx)
		}
	}
}

// renewOnce renews the owned leases concurrently and returns once every renewal finished. A partition
// whose renewal fails is out of the owned set when renewOnce returns.
func (m *partitionManager) renewOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.ownedPumps() {
		p := p
		wg.Add(1)
		err := m.executor.Submit(func() {
			defer wg.Done()
			m.renew(ctx, p)
		})
		if err != nil {
			wg.Done()
			m.renew(ctx, p)
		}
	}
	wg.Wait()
}

// renew renews the lease of one pump. A renewal that does not complete within the renew interval
// counts as lost.
func (m *partitionManager) renew(ctx context.Context, p *partitionPump) {
	lease := p.status.GetLease()

	callCtx, cancel := context.WithTimeout(ctx, m.storeCallTimeout())
	defer cancel()
	ok, err := m.leaseStore.RenewLease(callCtx, lease)
	if err != nil && ctx.Err() != nil {
		// host is shutting down
		return
	}

	if err != nil {
		m.notify(kcl.ActionRenewing, lease.PartitionID, err)
	}
	if err != nil || !ok {
		m.leaseLost(p)
		return
	}

	p.status.SetLease(lease)
	m.mService.LeaseRenewed(lease.PartitionID)
}
