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
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
)

// MemoryStore implements both the lease and the checkpoint store in process memory. Every call
// completes synchronously, which makes it the store of choice for tests. Hosts sharing one
// instance behave like hosts sharing a backend.
type MemoryStore struct {
	mu            sync.Mutex
	leaseDuration time.Duration
	now           func() time.Time

	leaseStoreCreated      bool
	checkpointStoreCreated bool

	leases      map[string]*leases.Lease
	checkpoints map[string]*checkpoint.Checkpoint
}

var (
	_ leases.LeaseStore          = (*MemoryStore)(nil)
	_ checkpoint.CheckpointStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store granting leases of leaseDuration.
func NewMemoryStore(leaseDuration time.Duration) *MemoryStore {
	return &MemoryStore{
		leaseDuration: leaseDuration,
		now:           time.Now,
		leases:        make(map[string]*leases.Lease),
		checkpoints:   make(map[string]*checkpoint.Checkpoint),
	}
}

// WithClock replaces the wall clock used to compute lease expiry.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) LeaseStoreExists(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaseStoreCreated, nil
}

func (m *MemoryStore) CreateLeaseStoreIfNotExists(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaseStoreCreated = true
	return nil
}

func (m *MemoryStore) DeleteLeaseStore(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaseStoreCreated = false
	m.leases = make(map[string]*leases.Lease)
	return nil
}

func (m *MemoryStore) GetLease(_ context.Context, partitionID string) (*leases.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[partitionID]
	if !ok {
		return nil, leases.ErrLeaseNotFound
	}
	return lease.Clone(), nil
}

func (m *MemoryStore) GetAllLeasesLightweight(_ context.Context) ([]leases.BaseLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	result := make([]leases.BaseLease, 0, len(m.leases))
	for _, lease := range m.leases {
		result = append(result, lease.Base(now))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PartitionID < result[j].PartitionID
	})
	return result, nil
}

func (m *MemoryStore) CreateAllLeasesIfNotExists(_ context.Context, partitionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range partitionIDs {
		if _, ok := m.leases[id]; !ok {
			lease := leases.NewLease(id)
			lease.Token = utils.NewLeaseToken()
			m.leases[id] = lease
		}
	}
	return nil
}

func (m *MemoryStore) DeleteLease(_ context.Context, lease *leases.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, lease.PartitionID)
	return nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, lease *leases.Lease, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[lease.PartitionID]
	if !ok {
		return false, leases.ErrLeaseNotFound
	}
	if current.Token != lease.Token {
		// changed since it was read
		return false, nil
	}

	now := m.now()
	if current.Owner != owner || current.IsExpired(now) {
		current.IncrementEpoch()
	}
	current.Owner = owner
	current.Token = utils.NewLeaseToken()
	current.ExpiresAt = now.Add(m.leaseDuration)

	*lease = *current
	return true, nil
}

func (m *MemoryStore) RenewLease(_ context.Context, lease *leases.Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renew(lease), nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, lease *leases.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[lease.PartitionID]
	if !ok || !m.holds(current, lease) {
		return nil
	}
	current.Owner = ""
	current.Token = utils.NewLeaseToken()
	current.ExpiresAt = time.Time{}
	return nil
}

func (m *MemoryStore) UpdateLease(_ context.Context, lease *leases.Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renew(lease), nil
}

func (m *MemoryStore) CheckpointStoreExists(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointStoreCreated, nil
}

func (m *MemoryStore) CreateCheckpointStoreIfNotExists(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointStoreCreated = true
	return nil
}

func (m *MemoryStore) DeleteCheckpointStore(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointStoreCreated = false
	m.checkpoints = make(map[string]*checkpoint.Checkpoint)
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, partitionID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[partitionID]
	if !ok {
		return nil, checkpoint.ErrCheckpointNotFound
	}
	c := *cp
	return &c, nil
}

func (m *MemoryStore) CreateAllCheckpointsIfNotExists(_ context.Context, partitionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range partitionIDs {
		if _, ok := m.checkpoints[id]; !ok {
			m.checkpoints[id] = checkpoint.NewCheckpoint(id)
		}
	}
	return nil
}

// UpdateCheckpoint stores cp when lease still holds.
func (m *MemoryStore) UpdateCheckpoint(_ context.Context, lease *leases.Lease, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[cp.PartitionID]
	if !ok || !m.holds(current, lease) {
		return leases.ErrLeaseLost
	}

	c := *cp
	m.checkpoints[cp.PartitionID] = &c
	return nil
}

func (m *MemoryStore) DeleteCheckpoint(_ context.Context, partitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, partitionID)
	return nil
}

// renew extends the lease when lease still holds. Must be called with mu held.
func (m *MemoryStore) renew(lease *leases.Lease) bool {
	current, ok := m.leases[lease.PartitionID]
	if !ok || !m.holds(current, lease) {
		return false
	}
	current.ExpiresAt = m.now().Add(m.leaseDuration)
	lease.ExpiresAt = current.ExpiresAt
	return true
}

// holds reports whether lease is the current ownership period of the stored lease.
func (m *MemoryStore) holds(current, lease *leases.Lease) bool {
	return current.Owner != "" && current.Owner == lease.Owner && current.Token == lease.Token
}
