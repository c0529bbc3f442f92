// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package delegation declares the fixed role that compute principals
// (training and serving workloads) assume. The registry is declared once at
// deployment time and never mutated at runtime; changing the grants means
// redeploying it.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// DefaultRoleName is the shared administrative role the workloads assume.
const DefaultRoleName = "constellaxion-admin"

// DefaultTrustedPrincipals are the service principals allowed to assume the
// role: the ML-training service and the container-based serving service.
var DefaultTrustedPrincipals = []string{
	"sagemaker.amazonaws.com",
	"ecs-tasks.amazonaws.com",
}

// managedPolicyARNs are the permission grants attached to the role: full
// access to the ML-training service, the object-store service, and the
// container-registry service.
var managedPolicyARNs = []string{
	"arn:aws:iam::aws:policy/AmazonSageMakerFullAccess",
	"arn:aws:iam::aws:policy/AmazonS3FullAccess",
	"arn:aws:iam::aws:policy/AmazonEC2ContainerRegistryFullAccess",
}

// registryAuthPolicyName is the inline allow-list for registry
// authentication and image pulls.
const registryAuthPolicyName = "constellaxion-registry-auth"

var registryAuthActions = []string{
	"ecr:GetAuthorizationToken",
	"ecr:BatchCheckLayerAvailability",
	"ecr:GetDownloadUrlForLayer",
	"ecr:BatchGetImage",
}

// iamAPI is the slice of the IAM surface the registry uses.
type iamAPI interface {
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

// Registry declares the delegated role and its permission set.
type Registry struct {
	iamClient iamAPI

	roleName          string
	trustedPrincipals []string
}

// Option adjusts the registry declaration.
type Option func(*Registry)

// WithRoleName overrides the role name.
func WithRoleName(name string) Option {
	return func(r *Registry) {
		r.roleName = name
	}
}

// WithTrustedPrincipals narrows or widens which service principals may
// assume the role. The default trusts both workload types with one shared
// role; operators wanting per-workload scoping declare one registry per
// principal.
func WithTrustedPrincipals(principals ...string) Option {
	return func(r *Registry) {
		r.trustedPrincipals = principals
	}
}

// New returns a Registry declaring the default role.
func New(api iamAPI, opts ...Option) *Registry {
	r := &Registry{
		iamClient:         api,
		roleName:          DefaultRoleName,
		trustedPrincipals: DefaultTrustedPrincipals,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Outputs identify the declared role for downstream configuration.
type Outputs struct {
	RoleARN  string
	RoleName string
}

// Ensure creates the role with its trust policy and attaches the permission
// grants. A role that already exists is left in place and re-granted, so
// Ensure is safe to run on every deployment.
func (r *Registry) Ensure(ctx context.Context) (Outputs, error) {
	trustDoc, err := json.Marshal(trustPolicy(r.trustedPrincipals))
	if err != nil {
		return Outputs{}, fmt.Errorf("failed to marshal trust policy: %w", err)
	}

	_, err = r.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(r.roleName),
		AssumeRolePolicyDocument: aws.String(string(trustDoc)),
		Description:              aws.String("Constellaxion role for training and serving workloads"),
	})
	if err != nil {
		var exists *iamtypes.EntityAlreadyExistsException
		if !errors.As(err, &exists) {
			return Outputs{}, fmt.Errorf("failed to create role %q: %w", r.roleName, err)
		}
		log.Printf("[DEBUG] delegation: role %s already exists", r.roleName)
	}

	for _, policyARN := range managedPolicyARNs {
		if _, err := r.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(r.roleName),
			PolicyArn: aws.String(policyARN),
		}); err != nil {
			return Outputs{}, fmt.Errorf("failed to attach policy %q to role %q: %w", policyARN, r.roleName, err)
		}
	}

	authDoc, err := json.Marshal(allowPolicy(registryAuthActions))
	if err != nil {
		return Outputs{}, fmt.Errorf("failed to marshal registry auth policy: %w", err)
	}
	if _, err := r.iamClient.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(r.roleName),
		PolicyName:     aws.String(registryAuthPolicyName),
		PolicyDocument: aws.String(string(authDoc)),
	}); err != nil {
		return Outputs{}, fmt.Errorf("failed to put registry auth policy on role %q: %w", r.roleName, err)
	}

	role, err := r.iamClient.GetRole(ctx, &iam.GetRoleInput{
		RoleName: aws.String(r.roleName),
	})
	if err != nil {
		return Outputs{}, fmt.Errorf("failed to read back role %q: %w", r.roleName, err)
	}

	return Outputs{
		RoleARN:  aws.ToString(role.Role.Arn),
		RoleName: aws.ToString(role.Role.RoleName),
	}, nil
}

// policyDocument is the subset of the IAM policy grammar the registry emits.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string           `json:"Effect"`
	Principal *policyPrincipal `json:"Principal,omitempty"`
	Action    interface{}      `json:"Action"`
	Resource  string           `json:"Resource,omitempty"`
}

type policyPrincipal struct {
	Service []string `json:"Service"`
}

func trustPolicy(principals []string) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect:    "Allow",
				Principal: &policyPrincipal{Service: principals},
				Action:    "sts:AssumeRole",
			},
		},
	}
}

func allowPolicy(actions []string) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect:   "Allow",
				Action:   actions,
				Resource: "*",
			},
		},
	}
}
