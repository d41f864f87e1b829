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
package leases

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLeaseNotFound is returned when no lease exists for a partition
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseLost is returned when an operation requires ownership this host no longer has
	ErrLeaseLost = errors.New("lease lost")
)

type (
	// Lease is the ownership claim of one host over one partition.
	Lease struct {
		PartitionID string
		// Owner is the host name currently holding the lease. Empty means unowned.
		Owner string
		// Epoch never decreases. It is bumped whenever the lease changes hands or is
		// re-acquired after expiring, so receivers can preempt a stale owner.
		Epoch int64
		// Token identifies one ownership period. Stores regenerate it on every acquire and
		// release and use it for optimistic concurrency.
		Token string
		// ExpiresAt is the wall-clock instant after which the lease may be taken without stealing.
		ExpiresAt time.Time
	}

	// BaseLease is the lightweight view returned by a lease listing.
	BaseLease struct {
		PartitionID string
		Owner       string
		// Expired is also true for unowned leases.
		Expired bool
	}

	// LeaseStore is the durable store of one Lease per partition shared by every host of the
	// fleet. Acquire, renew and update report contention as false, errors are reserved for
	// store failures.
	LeaseStore interface {
		LeaseStoreExists(ctx context.Context) (bool, error)
		CreateLeaseStoreIfNotExists(ctx context.Context) error
		DeleteLeaseStore(ctx context.Context) error

		// GetLease returns ErrLeaseNotFound when the partition has no lease.
		GetLease(ctx context.Context, partitionID string) (*Lease, error)

		// GetAllLeasesLightweight lists owner and expiry of every lease without fetching full records.
		GetAllLeasesLightweight(ctx context.Context) ([]BaseLease, error)

		// CreateAllLeasesIfNotExists is idempotent per partition.
		CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error

		// DeleteLease succeeds when the lease is already gone.
		DeleteLease(ctx context.Context, lease *Lease) error

		// AcquireLease takes the lease for owner, provided it has not changed since lease was read.
		// On success lease is updated in place with the new owner, token, epoch and expiry.
		AcquireLease(ctx context.Context, lease *Lease, owner string) (bool, error)

		// RenewLease extends the lease. False means it was lost since lease was read.
		RenewLease(ctx context.Context, lease *Lease) (bool, error)

		// ReleaseLease gives up ownership. Releasing a lease that is already lost succeeds.
		ReleaseLease(ctx context.Context, lease *Lease) error

		// UpdateLease renews then writes the lease. False means it was lost.
		UpdateLease(ctx context.Context, lease *Lease) (bool, error)
	}
)

// NewLease creates an unowned lease for the partition.
func NewLease(partitionID string) *Lease {
	return &Lease{PartitionID: partitionID}
}

// IsExpired reports whether the lease is free to be acquired at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return l.Owner == "" || !now.Before(l.ExpiresAt)
}

// OwnedBy reports whether host holds the lease, regardless of expiry.
func (l *Lease) OwnedBy(host string) bool {
	return l.Owner != "" && l.Owner == host
}

// IncrementEpoch bumps the epoch and returns the new value.
func (l *Lease) IncrementEpoch() int64 {
	l.Epoch++
	return l.Epoch
}

// Clone returns a copy of the lease.
func (l *Lease) Clone() *Lease {
	c := *l
	return &c
}

// Base returns the lightweight view of the lease at now.
func (l *Lease) Base(now time.Time) BaseLease {
	return BaseLease{
		PartitionID: l.PartitionID,
		Owner:       l.Owner,
		Expired:     l.IsExpired(now),
	}
}
