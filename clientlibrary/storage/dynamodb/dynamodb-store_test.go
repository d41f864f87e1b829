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
package dynamodb

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	cfg "github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
)

func newTestStore(svc *mockDynamoDB) *DynamoStore {
	opts := cfg.NewPartitionManagerOptions("appName", "host-1").WithLease(20, 5)
	return NewDynamoStore("TableName", opts).WithDynamoDB(svc)
}

func TestDoesTableExist(t *testing.T) {
	ctx := context.Background()

	store := newTestStore(&mockDynamoDB{tableExist: true})
	exists, err := store.LeaseStoreExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	store = newTestStore(&mockDynamoDB{tableExist: false})
	exists, err = store.CheckpointStoreExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	store = newTestStore(&mockDynamoDB{describeErr: errors.New("no route to host")})
	_, err = store.LeaseStoreExists(ctx)
	assert.Error(t, err)
}

func TestCreateTable(t *testing.T) {
	ctx := context.Background()
	svc := &mockDynamoDB{}
	store := newTestStore(svc)

	require.NoError(t, store.CreateLeaseStoreIfNotExists(ctx))
	assert.True(t, svc.tableExist)
	assert.Equal(t, 1, svc.waits)

	// nothing to do the second time
	require.NoError(t, store.CreateCheckpointStoreIfNotExists(ctx))
	assert.Equal(t, 1, svc.waits)

	require.NoError(t, store.DeleteLeaseStore(ctx))
	assert.False(t, svc.tableExist)
	require.NoError(t, store.DeleteCheckpointStore(ctx))
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := &mockDynamoDB{tableExist: true}
	store := newTestStore(svc)

	require.NoError(t, store.CreateAllLeasesIfNotExists(ctx, []string{"0", "1"}))
	require.NoError(t, store.CreateAllCheckpointsIfNotExists(ctx, []string{"0", "1"}))

	a, err := store.GetLease(ctx, "0")
	require.NoError(t, err)
	assert.Empty(t, a.Owner)
	assert.Zero(t, a.Epoch)
	assert.NotEmpty(t, a.Token)

	stale := a.Clone()
	ok, err := store.AcquireLease(ctx, a, "host-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), a.Epoch)
	assert.True(t, a.ExpiresAt.After(time.Now()))

	ok, err = store.AcquireLease(ctx, stale, "host-b")
	require.NoError(t, err)
	assert.False(t, ok, "lease changed since it was read")

	all, err := store.GetAllLeasesLightweight(ctx)
	require.NoError(t, err)
	sort.Slice(all, func(i, j int) bool { return all[i].PartitionID < all[j].PartitionID })
	assert.Equal(t, []leases.BaseLease{
		{PartitionID: "0", Owner: "host-a", Expired: false},
		{PartitionID: "1", Owner: "", Expired: true},
	}, all)

	// steal
	b, err := store.GetLease(ctx, "0")
	require.NoError(t, err)
	ok, err = store.AcquireLease(ctx, b, "host-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), b.Epoch)

	ok, err = store.RenewLease(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.UpdateLease(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)

	// releasing a lost lease is a no-op
	require.NoError(t, store.ReleaseLease(ctx, a))
	current, _ := store.GetLease(ctx, "0")
	assert.Equal(t, "host-b", current.Owner)

	require.NoError(t, store.ReleaseLease(ctx, b))
	current, _ = store.GetLease(ctx, "0")
	assert.Empty(t, current.Owner)
	assert.True(t, current.ExpiresAt.IsZero())
	assert.Equal(t, int64(2), current.Epoch)

	require.NoError(t, store.DeleteLease(ctx, current))
	_, err = store.GetLease(ctx, "0")
	assert.ErrorIs(t, err, leases.ErrLeaseNotFound)
}

func TestCheckpointThroughLease(t *testing.T) {
	ctx := context.Background()
	svc := &mockDynamoDB{tableExist: true}
	store := newTestStore(svc)
	require.NoError(t, store.CreateAllCheckpointsIfNotExists(ctx, []string{"0"}))

	cp, err := store.GetCheckpoint(ctx, "0")
	require.NoError(t, err)
	assert.False(t, cp.IsInitialized())

	lease, _ := store.GetLease(ctx, "0")
	ok, _ := store.AcquireLease(ctx, lease, "host-a")
	require.True(t, ok)

	require.NoError(t, store.UpdateCheckpoint(ctx, lease, &checkpoint.Checkpoint{PartitionID: "0", Offset: "100", SequenceNumber: 42}))
	cp, err = store.GetCheckpoint(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, "100", cp.Offset)
	assert.Equal(t, int64(42), cp.SequenceNumber)

	// the lease survives checkpointing
	current, _ := store.GetLease(ctx, "0")
	assert.Equal(t, lease.Token, current.Token)

	thief, _ := store.GetLease(ctx, "0")
	ok, _ = store.AcquireLease(ctx, thief, "host-b")
	require.True(t, ok)

	err = store.UpdateCheckpoint(ctx, lease, &checkpoint.Checkpoint{PartitionID: "0", Offset: "200", SequenceNumber: 50})
	assert.ErrorIs(t, err, leases.ErrLeaseLost)

	require.NoError(t, store.DeleteCheckpoint(ctx, "0"))
	_, err = store.GetCheckpoint(ctx, "0")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)

	// deleting an absent checkpoint does not create an item
	require.NoError(t, store.DeleteCheckpoint(ctx, "7"))
	_, err = store.GetLease(ctx, "7")
	assert.ErrorIs(t, err, leases.ErrLeaseNotFound)
}

func TestRetryOnThrottling(t *testing.T) {
	ctx := context.Background()
	svc := &mockDynamoDB{tableExist: true, throttle: 1}
	store := newTestStore(svc)
	require.NoError(t, store.CreateAllLeasesIfNotExists(ctx, []string{"0"}))

	lease, _ := store.GetLease(ctx, "0")
	ok, err := store.AcquireLease(ctx, lease, "host-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, svc.updateCalls)
}

func TestStoreErrorIsNotContention(t *testing.T) {
	ctx := context.Background()
	svc := &mockDynamoDB{tableExist: true}
	store := newTestStore(svc)
	require.NoError(t, store.CreateAllLeasesIfNotExists(ctx, []string{"0"}))
	lease, _ := store.GetLease(ctx, "0")

	svc.updateErr = awserr.New("AccessDeniedException", "denied", nil)
	ok, err := store.AcquireLease(ctx, lease, "host-a")
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = store.RenewLease(ctx, lease)
	assert.False(t, ok)
	assert.Error(t, err)
}

type mockDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	mu          sync.Mutex
	tableExist  bool
	describeErr error
	updateErr   error
	throttle    int
	updateCalls int
	waits       int
	items       map[string]map[string]*dynamodb.AttributeValue
}

func conditionFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
}

func (m *mockDynamoDB) DescribeTableWithContext(aws.Context, *dynamodb.DescribeTableInput, ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	if m.describeErr != nil {
		return nil, m.describeErr
	}
	if !m.tableExist {
		return &dynamodb.DescribeTableOutput{}, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "doesNotExist", errors.New(""))
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDynamoDB) CreateTableWithContext(aws.Context, *dynamodb.CreateTableInput, ...request.Option) (*dynamodb.CreateTableOutput, error) {
	m.tableExist = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDynamoDB) WaitUntilTableExistsWithContext(aws.Context, *dynamodb.DescribeTableInput, ...request.WaiterOption) error {
	m.waits++
	return nil
}

func (m *mockDynamoDB) DeleteTableWithContext(aws.Context, *dynamodb.DeleteTableInput, ...request.Option) (*dynamodb.DeleteTableOutput, error) {
	if !m.tableExist {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "doesNotExist", nil)
	}
	m.tableExist = false
	m.items = nil
	return &dynamodb.DeleteTableOutput{}, nil
}

func (m *mockDynamoDB) GetItemWithContext(_ aws.Context, input *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: copyItem(m.items[keyOf(input.Key)])}, nil
}

func (m *mockDynamoDB) PutItemWithContext(_ aws.Context, input *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := aws.StringValue(input.Item[PartitionIDKey].S)
	if !m.check(input.ConditionExpression, m.items[key], input.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	m.put(key, copyItem(input.Item))
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDB) UpdateItemWithContext(_ aws.Context, input *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateCalls++
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	if m.throttle > 0 {
		m.throttle--
		return nil, awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil)
	}

	key := keyOf(input.Key)
	item := m.items[key]
	if !m.check(input.ConditionExpression, item, input.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	if item == nil {
		item = copyItem(input.Key)
	}

	expr := aws.StringValue(input.UpdateExpression)
	var remove string
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		remove = expr[i+len("REMOVE "):]
		expr = expr[:i]
	}
	expr = strings.TrimPrefix(strings.TrimSpace(expr), "SET ")
	for _, assignment := range strings.Split(expr, ", ") {
		if kv := strings.SplitN(assignment, " = ", 2); len(kv) == 2 {
			item[kv[0]] = input.ExpressionAttributeValues[kv[1]]
		}
	}
	for _, name := range strings.Split(remove, ", ") {
		delete(item, strings.TrimSpace(name))
	}

	m.put(key, item)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoDB) DeleteItemWithContext(_ aws.Context, input *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, keyOf(input.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDB) ScanPagesWithContext(_ aws.Context, input *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	m.mu.Lock()
	projection := strings.Split(aws.StringValue(input.ProjectionExpression), ",")
	var items []map[string]*dynamodb.AttributeValue
	for _, item := range m.items {
		projected := map[string]*dynamodb.AttributeValue{}
		for _, name := range projection {
			if v, ok := item[name]; ok {
				projected[name] = v
			}
		}
		items = append(items, projected)
	}
	m.mu.Unlock()

	// one item per page to exercise pagination
	for i, item := range items {
		if !fn(&dynamodb.ScanOutput{Items: []map[string]*dynamodb.AttributeValue{item}}, i == len(items)-1) {
			break
		}
	}
	return nil
}

func (m *mockDynamoDB) check(condition *string, item, values map[string]*dynamodb.AttributeValue) bool {
	equals := func(name, placeholder string) bool {
		v, ok := item[name]
		return ok && aws.StringValue(v.S) == aws.StringValue(values[placeholder].S)
	}

	switch aws.StringValue(condition) {
	case "":
		return true
	case conditionNotExists:
		return item == nil
	case conditionExists:
		return item != nil
	case conditionToken:
		return item != nil && equals(LeaseTokenKey, ":token")
	case conditionOwnerAndToken:
		return item != nil && equals(LeaseOwnerKey, ":owner") && equals(LeaseTokenKey, ":token")
	}
	panic("unsupported condition " + aws.StringValue(condition))
}

func (m *mockDynamoDB) put(key string, item map[string]*dynamodb.AttributeValue) {
	if m.items == nil {
		m.items = map[string]map[string]*dynamodb.AttributeValue{}
	}
	m.items[key] = item
}

func keyOf(key map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(key[PartitionIDKey].S)
}

func copyItem(item map[string]*dynamodb.AttributeValue) map[string]*dynamodb.AttributeValue {
	if item == nil {
		return nil
	}
	c := make(map[string]*dynamodb.AttributeValue, len(item))
	for k, v := range item {
		c[k] = v
	}
	return c
}
