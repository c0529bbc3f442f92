// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeBucket tracks which configuration calls have been applied to one
// bucket so tests can assert the full bootstrap set.
type fakeBucket struct {
	region     string
	versioning s3types.BucketVersioningStatus
	encryption s3types.ServerSideEncryption
	pab        *s3types.PublicAccessBlockConfiguration
}

type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]*fakeBucket

	// createCalls records every CreateBucket input for assertions.
	createCalls []*s3.CreateBucketInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]*fakeBucket{}}
}

func (f *fakeS3) bucket(name string) (*fakeBucket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[name]
	return b, ok
}

func (f *fakeS3) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls = append(f.createCalls, params)

	name := aws.ToString(params.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &s3types.BucketAlreadyOwnedByYou{}
	}
	region := "us-east-1"
	if params.CreateBucketConfiguration != nil {
		region = string(params.CreateBucketConfiguration.LocationConstraint)
	}
	f.buckets[name] = &fakeBucket{region: region}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, params *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Bucket)
	if _, ok := f.buckets[name]; !ok {
		return nil, &s3types.NoSuchBucket{}
	}
	delete(f.buckets, name)
	return &s3.DeleteBucketOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(_ context.Context, params *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &s3types.NoSuchBucket{}
	}
	b.versioning = params.VersioningConfiguration.Status
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) PutBucketEncryption(_ context.Context, params *s3.PutBucketEncryptionInput, _ ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &s3types.NoSuchBucket{}
	}
	rules := params.ServerSideEncryptionConfiguration.Rules
	if len(rules) > 0 && rules[0].ApplyServerSideEncryptionByDefault != nil {
		b.encryption = rules[0].ApplyServerSideEncryptionByDefault.SSEAlgorithm
	}
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, params *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &s3types.NoSuchBucket{}
	}
	b.pab = params.PublicAccessBlockConfiguration
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) GetPublicAccessBlock(_ context.Context, params *s3.GetPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &s3types.NoSuchBucket{}
	}
	return &s3.GetPublicAccessBlockOutput{
		PublicAccessBlockConfiguration: b.pab,
	}, nil
}

type fakeTable struct {
	ttlAttribute string
	ttlEnabled   bool
}

type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]*fakeTable

	// createCalls records every CreateTable input for assertions.
	createCalls []*dynamodb.CreateTableInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: map[string]*fakeTable{}}
}

func (f *fakeDynamo) table(name string) (*fakeTable, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	return t, ok
}

func (f *fakeDynamo) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls = append(f.createCalls, params)

	name := aws.ToString(params.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &dtypes.ResourceInUseException{}
	}
	f.tables[name] = &fakeTable{}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, &dtypes.ResourceNotFoundException{}
	}
	// Tables in the fake activate immediately; the waiter sees ACTIVE on its
	// first poll and returns without sleeping.
	return &dynamodb.DescribeTableOutput{
		Table: &dtypes.TableDescription{
			TableName:   aws.String(name),
			TableStatus: dtypes.TableStatusActive,
		},
	}, nil
}

func (f *fakeDynamo) DeleteTable(_ context.Context, params *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, &dtypes.ResourceNotFoundException{}
	}
	delete(f.tables, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeDynamo) UpdateTimeToLive(_ context.Context, params *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.TableName)
	t, ok := f.tables[name]
	if !ok {
		return nil, &dtypes.ResourceNotFoundException{}
	}
	if t.ttlEnabled {
		return nil, &smithy.GenericAPIError{
			Code:    "ValidationException",
			Message: "TimeToLive is already enabled",
		}
	}
	t.ttlAttribute = aws.ToString(params.TimeToLiveSpecification.AttributeName)
	t.ttlEnabled = aws.ToBool(params.TimeToLiveSpecification.Enabled)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}
