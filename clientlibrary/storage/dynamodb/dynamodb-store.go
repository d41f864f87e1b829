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
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/matryer/try"

	"github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

const (
	PartitionIDKey    = "PartitionID"
	LeaseOwnerKey     = "AssignedTo"
	LeaseEpochKey     = "LeaseEpoch"
	LeaseTokenKey     = "LeaseToken"
	LeaseTimeoutKey   = "LeaseTimeout"
	OffsetKey         = "CheckpointOffset"
	SequenceNumberKey = "CheckpointSequenceNumber"

	// NumMaxRetries is the max times of doing retry
	NumMaxRetries = 10

	DefaultTableReadCapacity  = 10
	DefaultTableWriteCapacity = 10

	conditionNotExists       = "attribute_not_exists(" + PartitionIDKey + ")"
	conditionExists          = "attribute_exists(" + PartitionIDKey + ")"
	conditionToken           = LeaseTokenKey + " = :token"
	conditionOwnerAndToken   = LeaseOwnerKey + " = :owner AND " + LeaseTokenKey + " = :token"
	leaseTimeoutStringFormat = time.RFC3339Nano
)

// DynamoStore keeps leases and checkpoints of every partition in one DynamoDB table, one item per
// partition. Each write is conditioned on the lease token, so a host which lost a lease can neither
// renew it nor checkpoint through it.
type DynamoStore struct {
	log               logger.Logger
	TableName         string
	tableReadCapacity int64
	tableWriteCap     int64

	leaseDuration time.Duration
	svc           dynamodbiface.DynamoDBAPI
	Retries       int

	regionName  string
	endpoint    string
	credentials *credentials.Credentials

	now func() time.Time
}

var (
	_ leases.LeaseStore          = (*DynamoStore)(nil)
	_ checkpoint.CheckpointStore = (*DynamoStore)(nil)
)

// NewDynamoStore creates a store on tableName granting leases of opts.LeaseDuration.
func NewDynamoStore(tableName string, opts *config.PartitionManagerOptions) *DynamoStore {
	return &DynamoStore{
		log:               opts.Logger,
		TableName:         tableName,
		tableReadCapacity: DefaultTableReadCapacity,
		tableWriteCap:     DefaultTableWriteCapacity,
		leaseDuration:     opts.LeaseDuration(),
		Retries:           NumMaxRetries,
		now:               time.Now,
	}
}

// WithDynamoDB is used to provide DynamoDB service
func (s *DynamoStore) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoStore {
	s.svc = svc
	return s
}

// WithRegion sets the region of the session created by Init.
func (s *DynamoStore) WithRegion(regionName string) *DynamoStore {
	s.regionName = regionName
	return s
}

// WithEndpoint is used for testing against a local DynamoDB.
func (s *DynamoStore) WithEndpoint(endpoint string) *DynamoStore {
	s.endpoint = endpoint
	return s
}

func (s *DynamoStore) WithCredentials(creds *credentials.Credentials) *DynamoStore {
	s.credentials = creds
	return s
}

func (s *DynamoStore) WithTableCapacity(read, write int64) *DynamoStore {
	s.tableReadCapacity = read
	s.tableWriteCap = write
	return s
}

// Init creates the DynamoDB client unless one was provided.
func (s *DynamoStore) Init() error {
	if s.svc != nil {
		return nil
	}

	s.log.Infof("Creating DynamoDB session")
	awsConfig := &aws.Config{
		Region:      aws.String(s.regionName),
		Credentials: s.credentials,
		Retryer: client.DefaultRetryer{
			NumMaxRetries:    s.Retries,
			MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
			MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
			MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
			MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
		},
	}
	if s.endpoint != "" {
		awsConfig.Endpoint = aws.String(s.endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return fmt.Errorf("failed in getting DynamoDB session: %w", err)
	}
	s.svc = dynamodb.New(sess)
	return nil
}

func (s *DynamoStore) LeaseStoreExists(ctx context.Context) (bool, error) {
	_, err := s.svc.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	})
	if err == nil {
		return true, nil
	}
	if utils.AWSErrCode(err) == dynamodb.ErrCodeResourceNotFoundException {
		return false, nil
	}
	return false, err
}

func (s *DynamoStore) CreateLeaseStoreIfNotExists(ctx context.Context) error {
	if err := s.Init(); err != nil {
		return err
	}

	exists, err := s.LeaseStoreExists(ctx)
	if err != nil || exists {
		return err
	}

	s.log.Infof("Creating DynamoDB table %s", s.TableName)
	_, err = s.svc.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(PartitionIDKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(PartitionIDKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(s.tableReadCapacity),
			WriteCapacityUnits: aws.Int64(s.tableWriteCap),
		},
		TableName: aws.String(s.TableName),
	})
	// another host may have won the race
	if err != nil && utils.AWSErrCode(err) != dynamodb.ErrCodeResourceInUseException {
		return err
	}

	return s.svc.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	})
}

func (s *DynamoStore) DeleteLeaseStore(ctx context.Context) error {
	_, err := s.svc.DeleteTableWithContext(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(s.TableName),
	})
	if utils.AWSErrCode(err) == dynamodb.ErrCodeResourceNotFoundException {
		return nil
	}
	return err
}

func (s *DynamoStore) GetLease(ctx context.Context, partitionID string) (*leases.Lease, error) {
	item, err := s.getItem(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if len(item) == 0 {
		return nil, leases.ErrLeaseNotFound
	}
	return unmarshalLease(item)
}

// GetAllLeasesLightweight scans the table projecting only key, owner and timeout.
func (s *DynamoStore) GetAllLeasesLightweight(ctx context.Context) ([]leases.BaseLease, error) {
	input := &dynamodb.ScanInput{
		ProjectionExpression: aws.String(fmt.Sprintf("%s,%s,%s", PartitionIDKey, LeaseOwnerKey, LeaseTimeoutKey)),
		Select:               aws.String("SPECIFIC_ATTRIBUTES"),
		TableName:            aws.String(s.TableName),
		ConsistentRead:       aws.Bool(true),
	}

	now := s.now()
	var result []leases.BaseLease
	var parseErr error
	err := s.svc.ScanPagesWithContext(ctx, input,
		func(page *dynamodb.ScanOutput, lastPage bool) bool {
			for _, item := range page.Items {
				lease, err := unmarshalLease(item)
				if err != nil {
					parseErr = err
					return false
				}
				result = append(result, lease.Base(now))
			}
			return !lastPage
		})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return result, nil
}

func (s *DynamoStore) CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error {
	for _, id := range partitionIDs {
		if err := s.createItemIfNotExists(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) DeleteLease(ctx context.Context, lease *leases.Lease) error {
	return s.removeItem(ctx, lease.PartitionID)
}

func (s *DynamoStore) AcquireLease(ctx context.Context, lease *leases.Lease, owner string) (bool, error) {
	now := s.now()
	epoch := lease.Epoch
	if lease.Owner != owner || lease.IsExpired(now) {
		epoch++
	}
	token := utils.NewLeaseToken()
	timeout := now.Add(s.leaseDuration).UTC()

	s.log.Debugf("Attempting to get a lock for partition: %s, leaseTimeout: %s, assignedTo: %s, newAssignedTo: %s",
		lease.PartitionID, lease.ExpiresAt, lease.Owner, owner)
	err := s.updateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.TableName),
		Key:       partitionKey(lease.PartitionID),
		UpdateExpression: aws.String(fmt.Sprintf("SET %s = :new_owner, %s = :new_token, %s = :epoch, %s = :timeout",
			LeaseOwnerKey, LeaseTokenKey, LeaseEpochKey, LeaseTimeoutKey)),
		ConditionExpression: aws.String(conditionToken),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":token":     {S: aws.String(lease.Token)},
			":new_owner": {S: aws.String(owner)},
			":new_token": {S: aws.String(token)},
			":epoch":     {N: aws.String(strconv.FormatInt(epoch, 10))},
			":timeout":   {S: aws.String(timeout.Format(leaseTimeoutStringFormat))},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, err
	}

	lease.Owner = owner
	lease.Token = token
	lease.Epoch = epoch
	lease.ExpiresAt = timeout
	return true, nil
}

func (s *DynamoStore) RenewLease(ctx context.Context, lease *leases.Lease) (bool, error) {
	timeout := s.now().Add(s.leaseDuration).UTC()
	err := s.updateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName),
		Key:                 partitionKey(lease.PartitionID),
		UpdateExpression:    aws.String(fmt.Sprintf("SET %s = :timeout", LeaseTimeoutKey)),
		ConditionExpression: aws.String(conditionOwnerAndToken),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner":   {S: aws.String(lease.Owner)},
			":token":   {S: aws.String(lease.Token)},
			":timeout": {S: aws.String(timeout.Format(leaseTimeoutStringFormat))},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, err
	}

	lease.ExpiresAt = timeout
	return true, nil
}

// ReleaseLease removes the owner so the partition is available for reassignment.
func (s *DynamoStore) ReleaseLease(ctx context.Context, lease *leases.Lease) error {
	err := s.updateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.TableName),
		Key:       partitionKey(lease.PartitionID),
		UpdateExpression: aws.String(fmt.Sprintf("SET %s = :new_token REMOVE %s, %s",
			LeaseTokenKey, LeaseOwnerKey, LeaseTimeoutKey)),
		ConditionExpression: aws.String(conditionOwnerAndToken),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner":     {S: aws.String(lease.Owner)},
			":token":     {S: aws.String(lease.Token)},
			":new_token": {S: aws.String(utils.NewLeaseToken())},
		},
	})
	if isConditionalCheckFailed(err) {
		// already lost, nothing to release
		return nil
	}
	return err
}

// UpdateLease has nothing to write besides the expiry, so it is a renewal.
func (s *DynamoStore) UpdateLease(ctx context.Context, lease *leases.Lease) (bool, error) {
	return s.RenewLease(ctx, lease)
}

// The checkpoint store shares the lease table.

func (s *DynamoStore) CheckpointStoreExists(ctx context.Context) (bool, error) {
	return s.LeaseStoreExists(ctx)
}

func (s *DynamoStore) CreateCheckpointStoreIfNotExists(ctx context.Context) error {
	return s.CreateLeaseStoreIfNotExists(ctx)
}

func (s *DynamoStore) DeleteCheckpointStore(ctx context.Context) error {
	return s.DeleteLeaseStore(ctx)
}

func (s *DynamoStore) GetCheckpoint(ctx context.Context, partitionID string) (*checkpoint.Checkpoint, error) {
	item, err := s.getItem(ctx, partitionID)
	if err != nil {
		return nil, err
	}

	seq, ok := item[SequenceNumberKey]
	if !ok || seq.N == nil {
		return nil, checkpoint.ErrCheckpointNotFound
	}

	cp := &checkpoint.Checkpoint{PartitionID: partitionID}
	if cp.SequenceNumber, err = strconv.ParseInt(aws.StringValue(seq.N), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid %s for partition %s: %w", SequenceNumberKey, partitionID, err)
	}
	if offset, ok := item[OffsetKey]; ok {
		cp.Offset = aws.StringValue(offset.S)
	}
	s.log.Debugf("Retrieved checkpoint %s/%d for partition %s", cp.Offset, cp.SequenceNumber, partitionID)
	return cp, nil
}

func (s *DynamoStore) CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error {
	return s.CreateAllLeasesIfNotExists(ctx, partitionIDs)
}

// UpdateCheckpoint writes cp conditioned on lease still being the current ownership period.
func (s *DynamoStore) UpdateCheckpoint(ctx context.Context, lease *leases.Lease, cp *checkpoint.Checkpoint) error {
	err := s.updateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName),
		Key:                 partitionKey(cp.PartitionID),
		UpdateExpression:    aws.String(fmt.Sprintf("SET %s = :offset, %s = :seq", OffsetKey, SequenceNumberKey)),
		ConditionExpression: aws.String(conditionOwnerAndToken),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner":  {S: aws.String(lease.Owner)},
			":token":  {S: aws.String(lease.Token)},
			":offset": {S: aws.String(cp.Offset)},
			":seq":    {N: aws.String(strconv.FormatInt(cp.SequenceNumber, 10))},
		},
	})
	if isConditionalCheckFailed(err) {
		return leases.ErrLeaseLost
	}
	return err
}

// DeleteCheckpoint removes the checkpoint attributes, the lease stays.
func (s *DynamoStore) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	err := s.updateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.TableName),
		Key:                 partitionKey(partitionID),
		UpdateExpression:    aws.String(fmt.Sprintf("REMOVE %s, %s", OffsetKey, SequenceNumberKey)),
		ConditionExpression: aws.String(conditionExists),
	})
	if isConditionalCheckFailed(err) {
		return nil
	}
	return err
}

func (s *DynamoStore) createItemIfNotExists(ctx context.Context, partitionID string) error {
	err := s.putItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.TableName),
		ConditionExpression: aws.String(conditionNotExists),
		Item: map[string]*dynamodb.AttributeValue{
			PartitionIDKey:    {S: aws.String(partitionID)},
			LeaseTokenKey:     {S: aws.String(utils.NewLeaseToken())},
			LeaseEpochKey:     {N: aws.String("0")},
			SequenceNumberKey: {N: aws.String(strconv.FormatInt(checkpoint.UninitializedSequenceNumber, 10))},
		},
	})
	if isConditionalCheckFailed(err) {
		return nil
	}
	return err
}

func (s *DynamoStore) putItem(ctx context.Context, input *dynamodb.PutItemInput) error {
	return s.withRetry(ctx, func() error {
		_, err := s.svc.PutItemWithContext(ctx, input)
		return err
	})
}

func (s *DynamoStore) updateItem(ctx context.Context, input *dynamodb.UpdateItemInput) error {
	return s.withRetry(ctx, func() error {
		_, err := s.svc.UpdateItemWithContext(ctx, input)
		return err
	})
}

func (s *DynamoStore) getItem(ctx context.Context, partitionID string) (map[string]*dynamodb.AttributeValue, error) {
	var item *dynamodb.GetItemOutput
	err := s.withRetry(ctx, func() error {
		var err error
		item, err = s.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.TableName),
			Key:            partitionKey(partitionID),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return item.Item, nil
}

func (s *DynamoStore) removeItem(ctx context.Context, partitionID string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.TableName),
			Key:       partitionKey(partitionID),
		})
		return err
	})
}

// withRetry retries throttled and internal errors with exponential backoff.
func (s *DynamoStore) withRetry(ctx context.Context, fn func() error) error {
	return try.Do(func(attempt int) (bool, error) {
		err := fn()
		code := utils.AWSErrCode(err)
		if (code == dynamodb.ErrCodeProvisionedThroughputExceededException ||
			code == dynamodb.ErrCodeInternalServerError ||
			code == dynamodb.ErrCodeRequestLimitExceeded) &&
			attempt < s.Retries {
			// Backoff time as recommended by https://docs.aws.amazon.com/general/latest/gr/api-retries.html
			select {
			case <-time.After(time.Duration(math.Exp2(float64(attempt))*100) * time.Millisecond):
				return true, err
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		return false, err
	})
}

func partitionKey(partitionID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		PartitionIDKey: {S: aws.String(partitionID)},
	}
}

func isConditionalCheckFailed(err error) bool {
	return utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException
}

func unmarshalLease(item map[string]*dynamodb.AttributeValue) (*leases.Lease, error) {
	id, ok := item[PartitionIDKey]
	if !ok {
		return nil, fmt.Errorf("item without %s", PartitionIDKey)
	}

	lease := leases.NewLease(aws.StringValue(id.S))
	if owner, ok := item[LeaseOwnerKey]; ok {
		lease.Owner = aws.StringValue(owner.S)
	}
	if token, ok := item[LeaseTokenKey]; ok {
		lease.Token = aws.StringValue(token.S)
	}
	if epoch, ok := item[LeaseEpochKey]; ok && epoch.N != nil {
		v, err := strconv.ParseInt(aws.StringValue(epoch.N), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for partition %s: %w", LeaseEpochKey, lease.PartitionID, err)
		}
		lease.Epoch = v
	}
	if timeout, ok := item[LeaseTimeoutKey]; ok && timeout.S != nil {
		t, err := time.Parse(leaseTimeoutStringFormat, aws.StringValue(timeout.S))
		if err != nil {
			return nil, err
		}
		lease.ExpiresAt = t
	}
	return lease, nil
}
