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
	"time"

	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
)

// scanLoop periodically balances partitions between the hosts of the fleet. It rescans quickly while
// ownership moves and slowly once it settles.
func (m *partitionManager) scanLoop() {
	defer m.waitGroup.Done()

	delay := m.opts.StartupScanDelay()
	for {
		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			m.log.Debugf("Partition scanner stopped")
			return
		case <-timer.C:
		}

		if m.scanOnce(m.ctx) {
			delay = m.opts.FastScanInterval()
		} else {
			delay = m.opts.SlowScanInterval()
		}
	}
}

// scanOnce runs one balancing pass and reports whether this host gained any partition.
//
// Every live owner, this host included, should hold ceil(partitions / owners). Below that, the host
// first takes expired or unowned leases, then steals from the most loaded owner as long as that
// owner holds at least two more than this host.
func (m *partitionManager) scanOnce(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		m.mService.RecordScanTime(float64(time.Since(start).Milliseconds()))
	}()

	listCtx, cancel := context.WithTimeout(ctx, m.storeCallTimeout())
	all, err := m.leaseStore.GetAllLeasesLightweight(listCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			m.notify(kcl.ActionScanning, "", err)
		}
		return false
	}
	if len(all) == 0 {
		return false
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PartitionID < all[j].PartitionID })

	pumps := m.ownedPumps()
	counts := map[string]int{m.hostName: 0}
	byOwner := make(map[string][]string)
	var available []leases.BaseLease

	for _, l := range all {
		pump, ours := pumps[l.PartitionID]
		switch {
		case ours && l.Owner != m.hostName:
			// taken over since the last renewal
			m.leaseLost(pump)
			if l.Expired {
				available = append(available, l)
			} else {
				counts[l.Owner]++
				byOwner[l.Owner] = append(byOwner[l.Owner], l.PartitionID)
			}
		case ours:
			counts[m.hostName]++
		case l.Expired || l.Owner == m.hostName:
			available = append(available, l)
		default:
			counts[l.Owner]++
			byOwner[l.Owner] = append(byOwner[l.Owner], l.PartitionID)
		}
	}

	mine := counts[m.hostName]
	target := (len(all) + len(counts) - 1) / len(counts)
	m.log.Debugf("Scanned %d partitions, %d owners, owning %d, target %d", len(all), len(counts), mine, target)

	changed := false
	for _, l := range available {
		if mine >= target || ctx.Err() != nil {
			break
		}
		if m.acquire(ctx, l.PartitionID, l.Owner, false) {
			mine++
			changed = true
		}
	}

	for stolen := 0; mine < target && stolen < m.opts.MaxLeasesToStealAtOneTime && ctx.Err() == nil; {
		victim := selectStealTarget(counts, m.hostName, mine)
		if victim == "" {
			break
		}
		candidates := byOwner[victim]
		if len(candidates) == 0 {
			break
		}
		id := candidates[0]
		byOwner[victim] = candidates[1:]

		if !m.acquire(ctx, id, victim, true) {
			break
		}
		counts[victim]--
		mine++
		stolen++
		changed = true
	}

	return changed
}

// selectStealTarget returns the most loaded owner other than hostName holding at least two more
// partitions than mine. Ties go to the lowest name.
func selectStealTarget(counts map[string]int, hostName string, mine int) string {
	owners := make([]string, 0, len(counts))
	for owner := range counts {
		if owner != hostName {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)

	victim := ""
	most := mine + 1
	for _, owner := range owners {
		if counts[owner] > most {
			victim = owner
			most = counts[owner]
		}
	}
	return victim
}

// acquire takes the lease of partitionID and starts its pump. The lease must still be held by
// expectedOwner as seen by the scan, expiry being judged by the store rather than the local clock.
func (m *partitionManager) acquire(ctx context.Context, partitionID, expectedOwner string, steal bool) bool {
	callCtx, cancel := context.WithTimeout(ctx, m.storeCallTimeout())
	defer cancel()

	lease, err := m.leaseStore.GetLease(callCtx, partitionID)
	if err != nil {
		if ctx.Err() == nil {
			m.notify(kcl.ActionScanning, partitionID, err)
		}
		return false
	}

	if lease.Owner != expectedOwner {
		m.log.Debugf("Partition %s changed owner to %s since the scan", partitionID, lease.Owner)
		return false
	}

	ok, err := m.leaseStore.AcquireLease(callCtx, lease, m.hostName)
	if err != nil {
		if ctx.Err() == nil {
			m.notify(kcl.ActionScanning, partitionID, err)
		}
		return false
	}
	if !ok {
		m.log.Debugf("Lost the race for partition %s", partitionID)
		return false
	}

	if steal {
		m.log.Infof("Stole partition %s from %s, epoch %d", partitionID, expectedOwner, lease.Epoch)
		m.mService.LeaseStolen(partitionID)
	} else {
		m.log.Infof("Acquired partition %s, epoch %d", partitionID, lease.Epoch)
	}
	m.mService.LeaseGained(partitionID)

	return m.startPump(lease)
}
