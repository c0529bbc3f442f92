// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package locktable implements mutual exclusion over named resources on top
// of a DynamoDB table, using conditional writes. Each record carries an
// expiry, so a lock abandoned by a crashed holder self-heals after its TTL
// instead of wedging the resource forever. That trade is deliberate:
// availability over strict mutual exclusion for the pathological case of a
// holder outliving its TTL.
package locktable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/constellaxion-ai/statestore/internal/statemgr"
)

// Attribute names of a lock record. LockID is the table's hash key; Expires
// additionally drives the table's native TTL so dead records get reaped.
const (
	attrLockID  = "LockID"
	attrHolder  = "Holder"
	attrInfo    = "Info"
	attrExpires = "Expires"
)

// The three conditional expressions this client issues. Every call is an
// independent, idempotent conditional operation against a pay-per-request
// table; there is no provisioned capacity to manage.
const (
	condAcquire = "attribute_not_exists(" + attrLockID + ") OR #expires < :now"
	condRelease = attrHolder + " = :holder"
	condRenew   = attrHolder + " = :holder AND #expires >= :now"
)

// dynamoAPI is the slice of the DynamoDB client surface the lock table uses.
// *dynamodb.Client satisfies it; tests substitute an in-memory table.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client manages lock records in one DynamoDB table.
type Client struct {
	dynClient dynamoAPI
	tableName string

	now func() time.Time
}

var _ statemgr.Locker = (*Client)(nil)

// NewClient returns a lock table client for the given table.
func NewClient(api dynamoAPI, tableName string) *Client {
	return &Client{
		dynClient: api,
		tableName: tableName,
		now:       time.Now,
	}
}

// TryAcquire performs one conditional acquisition attempt of lockName for the
// holder identified by info.ID. It succeeds only when no unexpired record
// exists; a record past its expiry is overwritten as if it were absent. When
// the lock is held by a different unexpired holder, it returns false with no
// side effects.
func (c *Client) TryAcquire(ctx context.Context, lockName string, info *statemgr.LockInfo, ttl time.Duration) (bool, error) {
	now := c.now()
	putParams := &dynamodb.PutItemInput{
		Item: map[string]dtypes.AttributeValue{
			attrLockID:  &dtypes.AttributeValueMemberS{Value: lockName},
			attrHolder:  &dtypes.AttributeValueMemberS{Value: info.ID},
			attrInfo:    &dtypes.AttributeValueMemberS{Value: string(info.Marshal())},
			attrExpires: &dtypes.AttributeValueMemberN{Value: epoch(now.Add(ttl))},
		},
		TableName:                aws.String(c.tableName),
		ConditionExpression:      aws.String(condAcquire),
		ExpressionAttributeNames: map[string]string{"#expires": attrExpires},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":now": &dtypes.AttributeValueMemberN{Value: epoch(now)},
		},
	}

	_, err := c.dynClient.PutItem(ctx, putParams)
	if err != nil {
		var ccf *dtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Held by an unexpired holder. Contention, not an error.
			return false, nil
		}

		lockInfo, infoErr := c.GetLockInfo(ctx, lockName)
		if infoErr != nil {
			err = multierror.Append(err, infoErr)
		}
		return false, &statemgr.LockError{
			Err:  err,
			Info: lockInfo,
		}
	}

	return true, nil
}

// Release clears lockName if holderID still owns it. A record that is absent
// or already expired makes Release a no-op; a record owned by a different
// unexpired holder fails with statemgr.ErrNotHolder and is left intact.
func (c *Client) Release(ctx context.Context, lockName, holderID string) error {
	params := &dynamodb.DeleteItemInput{
		Key: map[string]dtypes.AttributeValue{
			attrLockID: &dtypes.AttributeValueMemberS{Value: lockName},
		},
		TableName:           aws.String(c.tableName),
		ConditionExpression: aws.String(condRelease),
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":holder": &dtypes.AttributeValueMemberS{Value: holderID},
		},
	}

	_, err := c.dynClient.DeleteItem(ctx, params)
	if err == nil {
		return nil
	}

	var ccf *dtypes.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("failed to release lock %q: %w", lockName, err)
	}

	// The holder condition failed: either the record is gone, or someone
	// else owns it now. Only an unexpired foreign holder is an error.
	record, err := c.getRecord(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to inspect lock %q after release refusal: %w", lockName, err)
	}
	if record == nil || record.expired(c.now()) {
		return nil
	}

	return &statemgr.LockError{
		Err:  fmt.Errorf("releasing lock %q held by %q: %w", lockName, record.holder, statemgr.ErrNotHolder),
		Info: record.info,
	}
}

// Renew extends the expiry of lockName by ttl from now, provided holderID is
// the current unexpired holder. Anything else fails with
// statemgr.ErrNotHolder: a lock that already expired cannot be revived, only
// re-acquired.
func (c *Client) Renew(ctx context.Context, lockName, holderID string, ttl time.Duration) error {
	now := c.now()
	params := &dynamodb.UpdateItemInput{
		Key: map[string]dtypes.AttributeValue{
			attrLockID: &dtypes.AttributeValueMemberS{Value: lockName},
		},
		TableName:                aws.String(c.tableName),
		UpdateExpression:         aws.String("SET #expires = :exp"),
		ConditionExpression:      aws.String(condRenew),
		ExpressionAttributeNames: map[string]string{"#expires": attrExpires},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":holder": &dtypes.AttributeValueMemberS{Value: holderID},
			":exp":    &dtypes.AttributeValueMemberN{Value: epoch(now.Add(ttl))},
			":now":    &dtypes.AttributeValueMemberN{Value: epoch(now)},
		},
	}

	_, err := c.dynClient.UpdateItem(ctx, params)
	if err == nil {
		return nil
	}

	var ccf *dtypes.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("failed to renew lock %q: %w", lockName, err)
	}

	lockInfo, infoErr := c.GetLockInfo(ctx, lockName)
	if infoErr != nil {
		log.Printf("[WARN] locktable: failed to fetch lock info for %q: %s", lockName, infoErr)
	}
	return &statemgr.LockError{
		Err:  fmt.Errorf("renewing lock %q: %w", lockName, statemgr.ErrNotHolder),
		Info: lockInfo,
	}
}

// GetLockInfo returns the metadata of the current record for lockName, or an
// error if no record exists. The read is strongly consistent.
func (c *Client) GetLockInfo(ctx context.Context, lockName string) (*statemgr.LockInfo, error) {
	record, err := c.getRecord(ctx, lockName)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("no lock info found for %q within the DynamoDB table %s", lockName, c.tableName)
	}
	return record.info, nil
}

type lockRecord struct {
	holder  string
	expires int64
	info    *statemgr.LockInfo
}

func (r *lockRecord) expired(now time.Time) bool {
	return r.expires < now.Unix()
}

func (c *Client) getRecord(ctx context.Context, lockName string) (*lockRecord, error) {
	getParams := &dynamodb.GetItemInput{
		Key: map[string]dtypes.AttributeValue{
			attrLockID: &dtypes.AttributeValueMemberS{Value: lockName},
		},
		ProjectionExpression:     aws.String(attrLockID + ", " + attrHolder + ", " + attrInfo + ", #expires"),
		ExpressionAttributeNames: map[string]string{"#expires": attrExpires},
		TableName:                aws.String(c.tableName),
		ConsistentRead:           aws.Bool(true),
	}

	resp, err := c.dynClient.GetItem(ctx, getParams)
	if err != nil {
		return nil, err
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}

	record := &lockRecord{}
	if v, ok := resp.Item[attrHolder].(*dtypes.AttributeValueMemberS); ok {
		record.holder = v.Value
	}
	if v, ok := resp.Item[attrExpires].(*dtypes.AttributeValueMemberN); ok {
		if record.expires, err = strconv.ParseInt(v.Value, 10, 64); err != nil {
			return nil, fmt.Errorf("lock record %q has malformed expiry %q", lockName, v.Value)
		}
	}
	if v, ok := resp.Item[attrInfo].(*dtypes.AttributeValueMemberS); ok {
		info := &statemgr.LockInfo{}
		if err := json.Unmarshal([]byte(v.Value), info); err != nil {
			return nil, fmt.Errorf("lock record %q has malformed info: %w", lockName, err)
		}
		record.info = info
	}
	return record, nil
}

func epoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
