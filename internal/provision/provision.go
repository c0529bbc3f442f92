// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package provision creates and guards the backing infrastructure of the
// state store: the versioned, encrypted bucket and the pay-per-request lock
// table. It is the declarative entry point consumed by the deployment
// tooling; the runtime clients assume the resources it creates already exist.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	multierror "github.com/hashicorp/go-multierror"
)

// ErrDestroyProtected reports a destroy attempted without the explicit
// override. The state bucket and lock table hold the source of truth for
// deployed infrastructure and must not be removable by accident.
var ErrDestroyProtected = errors.New("state store resources are destroy-protected; pass force to override")

// lockTableSuffix matches the naming the rest of the tooling expects.
const lockTableSuffix = "-locks"

// tableActiveTimeout bounds the wait for a freshly created lock table.
const tableActiveTimeout = 2 * time.Minute

// Config describes one state store deployment.
type Config struct {
	// Region is the cloud region to provision in. Required.
	Region string

	// BucketName is the globally unique name of the state bucket. Required.
	BucketName string

	// EnableLocking provisions the lock table alongside the bucket.
	// DefaultConfig sets it; without the table, coordinators fall back to
	// unguarded read-modify-write.
	EnableLocking bool
}

// DefaultConfig returns a Config with locking enabled, the default.
func DefaultConfig(region, bucketName string) Config {
	return Config{
		Region:        region,
		BucketName:    bucketName,
		EnableLocking: true,
	}
}

// DefaultBucketName derives the conventional state bucket name for an
// account and region.
func DefaultBucketName(accountID, region string) string {
	return fmt.Sprintf("constellaxion-tf-state-%s-%s", accountID, region)
}

// LockTableName derives the lock table name for a state bucket.
func LockTableName(bucketName string) string {
	return bucketName + lockTableSuffix
}

// Outputs are the provisioned resource names handed back to the deployment
// tooling. LockTableName is empty when locking is disabled.
type Outputs struct {
	StateStoreName string
	LockTableName  string
}

// s3API is the slice of the S3 surface provisioning uses.
type s3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
}

// dynamoAPI is the slice of the DynamoDB surface provisioning uses. It also
// satisfies dynamodb.DescribeTableAPIClient so the table waiter can poll it.
type dynamoAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// Provisioner bootstraps and tears down state store deployments.
type Provisioner struct {
	s3Client  s3API
	dynClient dynamoAPI
}

// New returns a Provisioner using the given service clients.
func New(s3Client s3API, dynClient dynamoAPI) *Provisioner {
	return &Provisioner{
		s3Client:  s3Client,
		dynClient: dynClient,
	}
}

// Bootstrap creates the bucket and, when enabled, the lock table, then
// verifies the Access Guard invariant. It is idempotent: resources that
// already exist are reconfigured, not failed on.
func (p *Provisioner) Bootstrap(ctx context.Context, cfg Config) (Outputs, error) {
	if cfg.Region == "" {
		return Outputs{}, fmt.Errorf("region is required")
	}
	if cfg.BucketName == "" {
		return Outputs{}, fmt.Errorf("bucket name is required")
	}

	if err := p.ensureBucket(ctx, cfg); err != nil {
		return Outputs{}, err
	}

	out := Outputs{StateStoreName: cfg.BucketName}

	if cfg.EnableLocking {
		tableName := LockTableName(cfg.BucketName)
		if err := p.ensureLockTable(ctx, tableName); err != nil {
			return Outputs{}, err
		}
		out.LockTableName = tableName
	}

	// The guard is a standing invariant, not a per-call check; still,
	// every bootstrap re-verifies it so configuration drift gets caught.
	if err := p.VerifyNotPublic(ctx, cfg.BucketName); err != nil {
		return Outputs{}, err
	}

	return out, nil
}

func (p *Provisioner) ensureBucket(ctx context.Context, cfg Config) error {
	_, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.BucketName),
	})
	switch {
	case err == nil:
		log.Printf("[DEBUG] provision: bucket %s already exists", cfg.BucketName)
	case isBucketNotFound(err):
		if err := p.createBucket(ctx, cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to check bucket %q: %w", cfg.BucketName, err)
	}

	if _, err := p.s3Client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(cfg.BucketName),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	}); err != nil {
		return fmt.Errorf("failed to enable versioning on %q: %w", cfg.BucketName, err)
	}

	if _, err := p.s3Client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(cfg.BucketName),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{
				{
					ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
						SSEAlgorithm: s3types.ServerSideEncryptionAes256,
					},
				},
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to configure encryption on %q: %w", cfg.BucketName, err)
	}

	// Access Guard: no public reads, writes, or ACL grants, ever.
	if _, err := p.s3Client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(cfg.BucketName),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return fmt.Errorf("failed to block public access on %q: %w", cfg.BucketName, err)
	}

	return nil
}

func (p *Provisioner) createBucket(ctx context.Context, cfg Config) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(cfg.BucketName),
	}
	// us-east-1 rejects an explicit location constraint.
	if cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(cfg.Region),
		}
	}

	log.Printf("[INFO] provision: creating state bucket %s in %s", cfg.BucketName, cfg.Region)
	_, err := p.s3Client.CreateBucket(ctx, input)
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %q: %w", cfg.BucketName, err)
	}
	return nil
}

func (p *Provisioner) ensureLockTable(ctx context.Context, tableName string) error {
	_, err := p.dynClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		log.Printf("[DEBUG] provision: lock table %s already exists", tableName)
		return p.enableTTL(ctx, tableName)
	}
	var nf *dtypes.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("failed to check lock table %q: %w", tableName, err)
	}

	log.Printf("[INFO] provision: creating lock table %s", tableName)
	_, err = p.dynClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []dtypes.AttributeDefinition{
			{
				AttributeName: aws.String("LockID"),
				AttributeType: dtypes.ScalarAttributeTypeS,
			},
		},
		KeySchema: []dtypes.KeySchemaElement{
			{
				AttributeName: aws.String("LockID"),
				KeyType:       dtypes.KeyTypeHash,
			},
		},
		// Lock traffic is sparse and bursty; pay-per-request means no
		// capacity to provision or exhaust.
		BillingMode: dtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *dtypes.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create lock table %q: %w", tableName, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(p.dynClient)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, tableActiveTimeout); err != nil {
		return fmt.Errorf("lock table %q did not become active: %w", tableName, err)
	}

	return p.enableTTL(ctx, tableName)
}

// enableTTL turns on native expiry of the Expires attribute so records left
// behind by crashed holders are eventually reaped. The conditional
// expressions in the lock client enforce expiry on their own; this only
// keeps the table from accumulating garbage.
func (p *Provisioner) enableTTL(ctx context.Context, tableName string) error {
	_, err := p.dynClient.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &dtypes.TimeToLiveSpecification{
			AttributeName: aws.String("Expires"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// Re-enabling TTL on a table that already has it is rejected with a
		// validation error; that is the steady state, not a failure.
		var apiErr interface{ ErrorCode() string }
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
			return nil
		}
		return fmt.Errorf("failed to enable TTL on %q: %w", tableName, err)
	}
	return nil
}

// VerifyNotPublic checks the standing Access Guard invariant: the bucket must
// block public ACLs, policies, and grants in every dimension.
func (p *Provisioner) VerifyNotPublic(ctx context.Context, bucketName string) error {
	out, err := p.s3Client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("failed to read public access configuration of %q: %w", bucketName, err)
	}

	pab := out.PublicAccessBlockConfiguration
	if pab == nil ||
		!aws.ToBool(pab.BlockPublicAcls) ||
		!aws.ToBool(pab.BlockPublicPolicy) ||
		!aws.ToBool(pab.IgnorePublicAcls) ||
		!aws.ToBool(pab.RestrictPublicBuckets) {
		return fmt.Errorf("bucket %q is potentially publicly reachable; all public access blocks must be enabled", bucketName)
	}
	return nil
}

// Destroy removes the lock table and the bucket. It refuses to run without
// force: the retain policy on state history is an invariant, and tearing it
// down must be a deliberate, explicit act.
func (p *Provisioner) Destroy(ctx context.Context, cfg Config, force bool) error {
	if !force {
		return ErrDestroyProtected
	}

	var errs *multierror.Error

	if cfg.EnableLocking {
		tableName := LockTableName(cfg.BucketName)
		log.Printf("[INFO] provision: deleting lock table %s", tableName)
		if _, err := p.dynClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(tableName),
		}); err != nil {
			var nf *dtypes.ResourceNotFoundException
			if !errors.As(err, &nf) {
				errs = multierror.Append(errs, fmt.Errorf("failed to delete lock table %q: %w", tableName, err))
			}
		}
	}

	log.Printf("[INFO] provision: deleting state bucket %s", cfg.BucketName)
	if _, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(cfg.BucketName),
	}); err != nil && !isBucketNotFound(err) {
		errs = multierror.Append(errs, fmt.Errorf("failed to delete bucket %q: %w", cfg.BucketName, err))
	}

	return errs.ErrorOrNil()
}

func isBucketNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nb *s3types.NoSuchBucket
	return errors.As(err, &nb)
}
