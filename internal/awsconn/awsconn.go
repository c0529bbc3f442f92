// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package awsconn builds the shared AWS configuration for the state-store
// clients. Credential resolution (env, profile, IMDS, SSO) is delegated to
// aws-sdk-go-base, which reads the standard AWS env variables implicitly.
package awsconn

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsbase "github.com/hashicorp/aws-sdk-go-base/v2"
	basediag "github.com/hashicorp/aws-sdk-go-base/v2/diag"
	baselogging "github.com/hashicorp/aws-sdk-go-base/v2/logging"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/constellaxion-ai/statestore/internal/logging"
	"github.com/constellaxion-ai/statestore/version"
)

// Endpoints overrides the per-service API endpoints, for s3-compatible
// services and local test stacks.
type Endpoints struct {
	S3       string
	DynamoDB string
	IAM      string
	STS      string
}

// Config carries the connection settings an operator may vary. Everything is
// optional except Region; unset fields fall back to the SDK's standard
// resolution chain.
type Config struct {
	Region  string
	Profile string

	AccessKey string
	SecretKey string
	Token     string

	MaxRetries              int
	SkipCredsValidation     bool
	SkipRequestingAccountID bool

	// SkipMetadataAPICheck explicitly enables or disables the EC2 metadata
	// API; nil leaves the SDK default in place.
	SkipMetadataAPICheck *bool

	// ForcePathStyle is needed by most s3-compatible services.
	ForcePathStyle bool

	Endpoints Endpoints
}

// Connection is a resolved AWS configuration plus constructors for the
// service clients the subsystem uses.
type Connection struct {
	awsConfig aws.Config
	baseCfg   *awsbase.Config
	cfg       Config
}

// Connect resolves credentials and region for cfg. Warnings from the
// credential chain are logged; errors abort.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	ctx, baselog := attachLoggerToContext(ctx)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	baseCfg := &awsbase.Config{
		AccessKey:               cfg.AccessKey,
		CallerDocumentationURL:  "https://github.com/constellaxion-ai/statestore",
		CallerName:              "Constellaxion State Store",
		IamEndpoint:             cfg.Endpoints.IAM,
		MaxRetries:              maxRetries,
		Profile:                 cfg.Profile,
		Region:                  cfg.Region,
		SecretKey:               cfg.SecretKey,
		SkipCredsValidation:     cfg.SkipCredsValidation,
		SkipRequestingAccountId: cfg.SkipRequestingAccountID,
		StsEndpoint:             cfg.Endpoints.STS,
		Token:                   cfg.Token,

		HTTPProxyMode: awsbase.HTTPProxyModeSeparate,
		APNInfo: &awsbase.APNInfo{
			PartnerName: "Constellaxion",
			Products: []awsbase.UserAgentProduct{
				{Name: "statestore", Version: version.String()},
			},
		},
		Logger: baselog,
	}

	if cfg.SkipMetadataAPICheck != nil {
		if *cfg.SkipMetadataAPICheck {
			baseCfg.EC2MetadataServiceEnableState = imds.ClientDisabled
		} else {
			baseCfg.EC2MetadataServiceEnableState = imds.ClientEnabled
		}
	}

	_, awsConfig, awsDiags := awsbase.GetAwsConfig(ctx, baseCfg)
	if err := foldDiagnostics(awsDiags); err != nil {
		return nil, err
	}

	return &Connection{
		awsConfig: awsConfig,
		baseCfg:   baseCfg,
		cfg:       cfg,
	}, nil
}

// Region returns the resolved region.
func (c *Connection) Region() string {
	return c.awsConfig.Region
}

// S3Client returns a client for the object store bucket.
func (c *Connection) S3Client() *s3.Client {
	return s3.NewFromConfig(c.awsConfig, func(options *s3.Options) {
		if c.cfg.Endpoints.S3 != "" {
			options.BaseEndpoint = aws.String(c.cfg.Endpoints.S3)
		}
		if c.cfg.ForcePathStyle {
			options.UsePathStyle = true
		}
	})
}

// DynamoDBClient returns a client for the lock table.
func (c *Connection) DynamoDBClient() *dynamodb.Client {
	return dynamodb.NewFromConfig(c.awsConfig, func(options *dynamodb.Options) {
		if c.cfg.Endpoints.DynamoDB != "" {
			options.BaseEndpoint = aws.String(c.cfg.Endpoints.DynamoDB)
		}
	})
}

// IAMClient returns a client for the role delegation registry.
func (c *Connection) IAMClient() *iam.Client {
	return iam.NewFromConfig(c.awsConfig, func(options *iam.Options) {
		if c.cfg.Endpoints.IAM != "" {
			options.BaseEndpoint = aws.String(c.cfg.Endpoints.IAM)
		}
	})
}

// AccountID returns the AWS account ID of the resolved credentials. It is
// used to derive the default, globally unique state bucket name.
func (c *Connection) AccountID(ctx context.Context) (string, error) {
	ctx, _ = attachLoggerToContext(ctx)

	accountID, _, awsDiags := awsbase.GetAwsAccountIDAndPartition(ctx, c.awsConfig, c.baseCfg)
	if err := foldDiagnostics(awsDiags); err != nil {
		return "", fmt.Errorf("retrieving AWS account details: %w", err)
	}
	if accountID == "" {
		return "", fmt.Errorf("credentials resolved but no account ID available; unset SkipRequestingAccountID")
	}
	return accountID, nil
}

func attachLoggerToContext(ctx context.Context) (context.Context, baselogging.HcLogger) {
	ctx, baselog := baselogging.NewHcLogger(ctx, logging.HCLogger().Named("awsconn"))
	ctx = baselogging.RegisterLogger(ctx, baselog)
	return ctx, baselog
}

// foldDiagnostics converts awsbase diagnostics into a single error, logging
// the warnings along the way.
func foldDiagnostics(diags basediag.Diagnostics) error {
	var errs *multierror.Error
	for _, d := range diags {
		switch d.Severity() {
		case basediag.SeverityError:
			errs = multierror.Append(errs, fmt.Errorf("%s: %s", d.Summary(), d.Detail()))
		default:
			log.Printf("[WARN] awsconn: %s: %s", d.Summary(), d.Detail())
		}
	}
	return errs.ErrorOrNil()
}
