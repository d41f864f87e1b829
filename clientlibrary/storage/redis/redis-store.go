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
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
)

const (
	DefaultPrefix = "eph"

	fieldOwner   = "owner"
	fieldToken   = "token"
	fieldEpoch   = "epoch"
	fieldExpires = "expires"
	fieldOffset  = "offset"
	fieldSeq     = "seq"
)

// Lease expiry is evaluated against the Redis server clock, so hosts with skewed clocks agree.
const (
	// KEYS[1] lease. ARGV token, owner, new token, duration ms.
	// Returns -1 when the lease does not exist, 0 when it changed, {epoch, expires} otherwise.
	acquireScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local cur = redis.call("HMGET", KEYS[1], "owner", "token", "epoch", "expires")
if cur[2] ~= ARGV[1] then
	return 0
end
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local owner = cur[1] or ""
local epoch = tonumber(cur[3] or "0")
if owner == "" or owner ~= ARGV[2] or tonumber(cur[4] or "0") <= now then
	epoch = epoch + 1
end
local expires = now + tonumber(ARGV[4])
redis.call("HSET", KEYS[1], "owner", ARGV[2], "token", ARGV[3], "epoch", epoch, "expires", expires)
return {epoch, expires}
`

	// KEYS[1] lease. ARGV owner, token, duration ms. Returns the new expiry or 0 when lost.
	renewScript = `
local cur = redis.call("HMGET", KEYS[1], "owner", "token")
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 0
end
local t = redis.call("TIME")
local expires = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000) + tonumber(ARGV[3])
redis.call("HSET", KEYS[1], "expires", expires)
return expires
`

	// KEYS[1] lease. ARGV owner, token, new token. Returns 0 when already lost.
	releaseScript = `
local cur = redis.call("HMGET", KEYS[1], "owner", "token")
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 0
end
redis.call("HDEL", KEYS[1], "owner", "expires")
redis.call("HSET", KEYS[1], "token", ARGV[3])
return 1
`

	// KEYS[1] lease, KEYS[2] checkpoint. ARGV owner, token, offset, sequence number.
	checkpointScript = `
local cur = redis.call("HMGET", KEYS[1], "owner", "token")
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 0
end
redis.call("HSET", KEYS[2], "offset", ARGV[3], "seq", ARGV[4])
return 1
`

	// KEYS[1] partition set. ARGV lease key prefix.
	// Returns {now, id1, owner1, expires1, id2, ...}.
	listScript = `
local t = redis.call("TIME")
local out = {tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)}
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
	local v = redis.call("HMGET", ARGV[1] .. id, "owner", "expires")
	table.insert(out, id)
	table.insert(out, v[1] or "")
	table.insert(out, tonumber(v[2] or "0"))
end
return out
`
)

// RedisStore keeps leases and checkpoints in Redis hashes. Ownership checks and their writes run
// in Lua scripts so they are atomic. The listing script reads keys it does not declare, so the
// store requires all keys of a prefix on one node.
type RedisStore struct {
	client        redis.Cmdable
	prefix        string
	leaseDuration time.Duration
}

var (
	_ leases.LeaseStore          = (*RedisStore)(nil)
	_ checkpoint.CheckpointStore = (*RedisStore)(nil)
)

// NewRedisStore creates a store under prefix granting leases of leaseDuration.
func NewRedisStore(client redis.Cmdable, prefix string, leaseDuration time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{
		client:        client,
		prefix:        prefix,
		leaseDuration: leaseDuration,
	}
}

func (s *RedisStore) LeaseStoreExists(ctx context.Context) (bool, error) {
	return s.exists(ctx, s.leaseStoreKey())
}

func (s *RedisStore) CreateLeaseStoreIfNotExists(ctx context.Context) error {
	return s.client.SetNX(ctx, s.leaseStoreKey(), time.Now().UTC().Format(time.RFC3339), 0).Err()
}

func (s *RedisStore) DeleteLeaseStore(ctx context.Context) error {
	ids, err := s.partitionIDs(ctx)
	if err != nil {
		return err
	}
	keys := []string{s.leaseStoreKey(), s.partitionsKey()}
	for _, id := range ids {
		keys = append(keys, s.leaseKey(id))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) GetLease(ctx context.Context, partitionID string) (*leases.Lease, error) {
	fields, err := s.client.HGetAll(ctx, s.leaseKey(partitionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, leases.ErrLeaseNotFound
	}

	lease := leases.NewLease(partitionID)
	lease.Owner = fields[fieldOwner]
	lease.Token = fields[fieldToken]
	if v, ok := fields[fieldEpoch]; ok {
		if lease.Epoch, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid epoch for partition %s: %w", partitionID, err)
		}
	}
	if v, ok := fields[fieldExpires]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry for partition %s: %w", partitionID, err)
		}
		lease.ExpiresAt = time.UnixMilli(ms)
	}
	return lease, nil
}

// GetAllLeasesLightweight lists owner and expiry of every lease in one round trip.
func (s *RedisStore) GetAllLeasesLightweight(ctx context.Context) ([]leases.BaseLease, error) {
	res, err := s.client.Eval(ctx, listScript, []string{s.partitionsKey()}, s.leaseKey("")).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || (len(res)-1)%3 != 0 {
		return nil, fmt.Errorf("unexpected lease listing of %d values", len(res))
	}

	now, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected server time %v", res[0])
	}

	result := make([]leases.BaseLease, 0, (len(res)-1)/3)
	for i := 1; i < len(res); i += 3 {
		id, _ := res[i].(string)
		owner, _ := res[i+1].(string)
		expires, _ := res[i+2].(int64)
		result = append(result, leases.BaseLease{
			PartitionID: id,
			Owner:       owner,
			Expired:     owner == "" || expires <= now,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PartitionID < result[j].PartitionID
	})
	return result, nil
}

func (s *RedisStore) CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error {
	for _, id := range partitionIDs {
		if err := s.client.HSetNX(ctx, s.leaseKey(id), fieldToken, utils.NewLeaseToken()).Err(); err != nil {
			return err
		}
		if err := s.client.HSetNX(ctx, s.leaseKey(id), fieldEpoch, 0).Err(); err != nil {
			return err
		}
		if err := s.client.SAdd(ctx, s.partitionsKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) DeleteLease(ctx context.Context, lease *leases.Lease) error {
	if err := s.client.Del(ctx, s.leaseKey(lease.PartitionID)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.partitionsKey(), lease.PartitionID).Err()
}

func (s *RedisStore) AcquireLease(ctx context.Context, lease *leases.Lease, owner string) (bool, error) {
	token := utils.NewLeaseToken()
	res, err := s.client.Eval(ctx, acquireScript, []string{s.leaseKey(lease.PartitionID)},
		lease.Token, owner, token, s.leaseDuration.Milliseconds()).Result()
	if err != nil {
		return false, err
	}

	switch v := res.(type) {
	case int64:
		if v < 0 {
			return false, leases.ErrLeaseNotFound
		}
		return false, nil
	case []interface{}:
		if len(v) != 2 {
			return false, fmt.Errorf("unexpected acquire result %v", v)
		}
		epoch, _ := v[0].(int64)
		expires, _ := v[1].(int64)
		lease.Owner = owner
		lease.Token = token
		lease.Epoch = epoch
		lease.ExpiresAt = time.UnixMilli(expires)
		return true, nil
	}
	return false, fmt.Errorf("unexpected acquire result %v", res)
}

func (s *RedisStore) RenewLease(ctx context.Context, lease *leases.Lease) (bool, error) {
	expires, err := s.client.Eval(ctx, renewScript, []string{s.leaseKey(lease.PartitionID)},
		lease.Owner, lease.Token, s.leaseDuration.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	if expires == 0 {
		return false, nil
	}
	lease.ExpiresAt = time.UnixMilli(expires)
	return true, nil
}

// ReleaseLease clears the owner. A lease already lost is left untouched.
func (s *RedisStore) ReleaseLease(ctx context.Context, lease *leases.Lease) error {
	return s.client.Eval(ctx, releaseScript, []string{s.leaseKey(lease.PartitionID)},
		lease.Owner, lease.Token, utils.NewLeaseToken()).Err()
}

// UpdateLease has nothing to write besides the expiry, so it is a renewal.
func (s *RedisStore) UpdateLease(ctx context.Context, lease *leases.Lease) (bool, error) {
	return s.RenewLease(ctx, lease)
}

func (s *RedisStore) CheckpointStoreExists(ctx context.Context) (bool, error) {
	return s.exists(ctx, s.checkpointStoreKey())
}

func (s *RedisStore) CreateCheckpointStoreIfNotExists(ctx context.Context) error {
	return s.client.SetNX(ctx, s.checkpointStoreKey(), time.Now().UTC().Format(time.RFC3339), 0).Err()
}

func (s *RedisStore) DeleteCheckpointStore(ctx context.Context) error {
	ids, err := s.partitionIDs(ctx)
	if err != nil {
		return err
	}
	keys := []string{s.checkpointStoreKey()}
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(id))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) GetCheckpoint(ctx context.Context, partitionID string) (*checkpoint.Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.checkpointKey(partitionID)).Result()
	if err != nil {
		return nil, err
	}
	seq, ok := fields[fieldSeq]
	if !ok {
		return nil, checkpoint.ErrCheckpointNotFound
	}

	cp := &checkpoint.Checkpoint{PartitionID: partitionID, Offset: fields[fieldOffset]}
	if cp.SequenceNumber, err = strconv.ParseInt(seq, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid sequence number for partition %s: %w", partitionID, err)
	}
	return cp, nil
}

func (s *RedisStore) CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error {
	for _, id := range partitionIDs {
		err := s.client.HSetNX(ctx, s.checkpointKey(id), fieldSeq, checkpoint.UninitializedSequenceNumber).Err()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) UpdateCheckpoint(ctx context.Context, lease *leases.Lease, cp *checkpoint.Checkpoint) error {
	ok, err := s.client.Eval(ctx, checkpointScript,
		[]string{s.leaseKey(cp.PartitionID), s.checkpointKey(cp.PartitionID)},
		lease.Owner, lease.Token, cp.Offset, cp.SequenceNumber).Int64()
	if err != nil {
		return err
	}
	if ok == 0 {
		return leases.ErrLeaseLost
	}
	return nil
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	return s.client.Del(ctx, s.checkpointKey(partitionID)).Err()
}

func (s *RedisStore) exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) partitionIDs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.partitionsKey()).Result()
}

func (s *RedisStore) leaseStoreKey() string {
	return s.prefix + ":store:leases"
}

func (s *RedisStore) checkpointStoreKey() string {
	return s.prefix + ":store:checkpoints"
}

func (s *RedisStore) partitionsKey() string {
	return s.prefix + ":partitions"
}

func (s *RedisStore) leaseKey(partitionID string) string {
	return s.prefix + ":lease:" + partitionID
}

func (s *RedisStore) checkpointKey(partitionID string) string {
	return s.prefix + ":checkpoint:" + partitionID
}
