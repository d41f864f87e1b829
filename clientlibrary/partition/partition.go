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
package partition

import (
	"sync"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
)

// PartitionStatus is the runtime state of one partition owned by this host. It lives as long as
// the partition pump and is never shared with another pump.
type PartitionStatus struct {
	ID       string
	HostName string
	Mux      *sync.RWMutex

	lease *leases.Lease

	// high-water mark of checkpoints written by this host
	checkpointOffset   string
	checkpointSequence int64

	// last event delivered to the processor
	lastOffset   string
	lastSequence int64
	hasEvent     bool

	lost bool
}

// NewPartitionStatus creates the status of a freshly acquired lease.
func NewPartitionStatus(hostName string, lease *leases.Lease) *PartitionStatus {
	return &PartitionStatus{
		ID:                 lease.PartitionID,
		HostName:           hostName,
		Mux:                &sync.RWMutex{},
		lease:              lease.Clone(),
		checkpointSequence: checkpoint.UninitializedSequenceNumber,
	}
}

// GetLease returns a copy of the current lease snapshot.
func (ps *PartitionStatus) GetLease() *leases.Lease {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return ps.lease.Clone()
}

func (ps *PartitionStatus) SetLease(lease *leases.Lease) {
	ps.Mux.Lock()
	defer ps.Mux.Unlock()
	ps.lease = lease.Clone()
}

func (ps *PartitionStatus) GetLeaseOwner() string {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return ps.lease.Owner
}

func (ps *PartitionStatus) GetEpoch() int64 {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return ps.lease.Epoch
}

// SetCheckpoint seeds the high-water mark from the checkpoint the partition starts from.
func (ps *PartitionStatus) SetCheckpoint(cp *checkpoint.Checkpoint) {
	ps.Mux.Lock()
	defer ps.Mux.Unlock()
	ps.checkpointOffset = cp.Offset
	ps.checkpointSequence = cp.SequenceNumber
}

func (ps *PartitionStatus) GetCheckpoint() (string, int64) {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return ps.checkpointOffset, ps.checkpointSequence
}

// IsBackward reports whether sequenceNumber is below the high-water mark.
func (ps *PartitionStatus) IsBackward(sequenceNumber int64) bool {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return sequenceNumber < ps.checkpointSequence
}

// AdvanceCheckpoint moves the high-water mark forward. It returns false, leaving the mark
// untouched, when sequenceNumber is below it.
func (ps *PartitionStatus) AdvanceCheckpoint(offset string, sequenceNumber int64) bool {
	ps.Mux.Lock()
	defer ps.Mux.Unlock()
	if sequenceNumber < ps.checkpointSequence {
		return false
	}
	ps.checkpointOffset = offset
	ps.checkpointSequence = sequenceNumber
	return true
}

func (ps *PartitionStatus) SetLastEvent(offset string, sequenceNumber int64) {
	ps.Mux.Lock()
	defer ps.Mux.Unlock()
	ps.lastOffset = offset
	ps.lastSequence = sequenceNumber
	ps.hasEvent = true
}

// GetLastEvent returns the position of the last delivered event, ok is false when none was delivered.
func (ps *PartitionStatus) GetLastEvent() (offset string, sequenceNumber int64, ok bool) {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return ps.lastOffset, ps.lastSequence, ps.hasEvent
}

// MarkLost records that this host no longer owns the partition. It cannot be undone.
func (ps *PartitionStatus) MarkLost() {
	ps.Mux.Lock()
	defer ps.Mux.Unlock()
	ps.lost = true
}

func (ps *PartitionStatus) IsLost() bool {
	ps.Mux.RLock()
	defer ps.Mux.RUnlock()
	return ps.lost
}
