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
package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
)

func TestLeaseSnapshotIsCopied(t *testing.T) {
	lease := &leases.Lease{PartitionID: "0", Owner: "host-1", Epoch: 3}
	ps := NewPartitionStatus("host-1", lease)

	lease.Owner = "host-2"
	assert.Equal(t, "host-1", ps.GetLeaseOwner())

	got := ps.GetLease()
	got.Epoch = 10
	assert.Equal(t, int64(3), ps.GetEpoch())

	ps.SetLease(got)
	assert.Equal(t, int64(10), ps.GetEpoch())
}

func TestCheckpointHighWater(t *testing.T) {
	ps := NewPartitionStatus("host-1", leases.NewLease("0"))

	_, seq := ps.GetCheckpoint()
	assert.Equal(t, checkpoint.UninitializedSequenceNumber, seq)

	ps.SetCheckpoint(&checkpoint.Checkpoint{PartitionID: "0", Offset: "100", SequenceNumber: 42})
	assert.True(t, ps.IsBackward(41))
	assert.False(t, ps.AdvanceCheckpoint("90", 41))
	assert.True(t, ps.AdvanceCheckpoint("100", 42))
	assert.True(t, ps.AdvanceCheckpoint("110", 50))

	offset, seq := ps.GetCheckpoint()
	assert.Equal(t, "110", offset)
	assert.Equal(t, int64(50), seq)
}

func TestLastEventAndLost(t *testing.T) {
	ps := NewPartitionStatus("host-1", leases.NewLease("0"))

	_, _, ok := ps.GetLastEvent()
	assert.False(t, ok)

	ps.SetLastEvent("7", 7)
	offset, seq, ok := ps.GetLastEvent()
	assert.True(t, ok)
	assert.Equal(t, "7", offset)
	assert.Equal(t, int64(7), seq)

	assert.False(t, ps.IsLost())
	ps.MarkLost()
	assert.True(t, ps.IsLost())
}
