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
package checkpoint

import (
	"context"
	"errors"

	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
)

// UninitializedSequenceNumber marks a placeholder checkpoint that was never written.
const UninitializedSequenceNumber int64 = -1

// ErrCheckpointNotFound is returned by GetCheckpoint when no checkpoint exists for the partition
var ErrCheckpointNotFound = errors.New("checkpoint not found")

type (
	// Checkpoint is the last processed position of one partition.
	Checkpoint struct {
		PartitionID string
		// Offset is an opaque position token. Empty when nothing has been processed.
		Offset         string
		SequenceNumber int64
	}

	// CheckpointStore persists one Checkpoint per partition.
	CheckpointStore interface {
		CheckpointStoreExists(ctx context.Context) (bool, error)
		CreateCheckpointStoreIfNotExists(ctx context.Context) error
		DeleteCheckpointStore(ctx context.Context) error

		// GetCheckpoint returns ErrCheckpointNotFound when the partition has no checkpoint.
		GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error)

		// CreateAllCheckpointsIfNotExists writes placeholders for missing partitions.
		CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error

		// UpdateCheckpoint writes cp on behalf of the current lease holder. Stores which keep leases
		// and checkpoints together use lease to prove ownership and return leases.ErrLeaseLost
		// when it no longer holds.
		UpdateCheckpoint(ctx context.Context, lease *leases.Lease, cp *Checkpoint) error

		// DeleteCheckpoint succeeds when the checkpoint is already gone.
		DeleteCheckpoint(ctx context.Context, partitionID string) error
	}
)

// NewCheckpoint returns the placeholder checkpoint of a partition.
func NewCheckpoint(partitionID string) *Checkpoint {
	return &Checkpoint{
		PartitionID:    partitionID,
		SequenceNumber: UninitializedSequenceNumber,
	}
}

// IsInitialized reports whether the checkpoint was ever written.
func (c *Checkpoint) IsInitialized() bool {
	return c.SequenceNumber != UninitializedSequenceNumber || c.Offset != ""
}
