// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package objectstore is the client for the durable, versioned state store
// backed by an S3 bucket. Every write appends a new immutable version and
// requests server-side encryption; nothing here ever overwrites or deletes a
// previously written version.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	contentTypeJSON = "application/json"
)

// VersionID identifies one immutable version of a state object. Any value
// legitimately returned by Put can later be handed to Get.
type VersionID string

// s3API is the slice of the S3 client surface the store uses. *s3.Client
// satisfies it; tests substitute an in-memory implementation.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
}

// Client reads and writes versioned state objects in a single bucket.
type Client struct {
	s3Client   s3API
	bucketName string

	// kmsKeyID selects SSE-KMS instead of the default AES256 algorithm.
	kmsKeyID string

	// skipChecksum disables the precomputed SHA-256 checksum for S3
	// compatible services that reject it.
	skipChecksum bool
}

// Option adjusts optional Client behavior.
type Option func(*Client)

// WithKMSKey makes Put request SSE-KMS with the given key instead of the
// default AES256 algorithm.
func WithKMSKey(keyID string) Option {
	return func(c *Client) {
		c.kmsKeyID = keyID
	}
}

// WithoutChecksum disables the SHA-256 upload checksum.
func WithoutChecksum() Option {
	return func(c *Client) {
		c.skipChecksum = true
	}
}

// NewClient returns a Client for the given bucket.
func NewClient(api s3API, bucketName string, opts ...Option) *Client {
	c := &Client{
		s3Client:   api,
		bucketName: bucketName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put writes data as a new version of key and returns the version identifier.
// Prior versions are untouched; the bucket must have versioning enabled, and
// the write always requests server-side encryption.
func (c *Client) Put(ctx context.Context, key string, data []byte) (VersionID, error) {
	contentLength := int64(len(data))

	i := &s3.PutObjectInput{
		ContentType:   aws.String(contentTypeJSON),
		ContentLength: aws.Int64(contentLength),
		Body:          bytes.NewReader(data),
		Bucket:        &c.bucketName,
		Key:           &key,
	}

	if !c.skipChecksum {
		i.ChecksumAlgorithm = types.ChecksumAlgorithmSha256

		// There is a conflict in the aws-go-sdk-v2 that prevents it from
		// working with many s3 compatible services. Since we can pre-compute
		// the hash here, we can work around it.
		// ref: https://github.com/aws/aws-sdk-go-v2/issues/1689
		algo := sha256.New()
		algo.Write(data)
		sum64str := base64.StdEncoding.EncodeToString(algo.Sum(nil))
		i.ChecksumSHA256 = &sum64str
	}

	if c.kmsKeyID != "" {
		i.SSEKMSKeyId = &c.kmsKeyID
		i.ServerSideEncryption = types.ServerSideEncryptionAwsKms
	} else {
		i.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	log.Printf("[DEBUG] objectstore: uploading state to %s/%s", c.bucketName, key)

	out, err := c.s3Client.PutObject(ctx, i)
	if err != nil {
		return "", fmt.Errorf("failed to upload state: %w", classifyError(err))
	}

	if out.ServerSideEncryption == "" {
		// Encryption was requested but the service did not confirm it.
		return "", fmt.Errorf("%w: PutObject response carries no encryption metadata", ErrEncryption)
	}

	if out.VersionId == nil || *out.VersionId == "" || *out.VersionId == "null" {
		return "", fmt.Errorf("bucket %q did not return a version id; object versioning must be enabled", c.bucketName)
	}

	return VersionID(*out.VersionId), nil
}

// Get returns the content of the given version of key, or of the current
// version when versionID is empty. A key or version that was never written
// fails with ErrNotFound.
func (c *Client) Get(ctx context.Context, key string, versionID VersionID) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: &c.bucketName,
		Key:    &key,
	}
	if versionID != "" {
		input.VersionId = aws.String(string(versionID))
	}

	output, err := c.s3Client.GetObject(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	defer output.Body.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, output.Body); err != nil {
		return nil, fmt.Errorf("failed to read remote state: %w", err)
	}

	return buf.Bytes(), nil
}

// CurrentVersion returns the version identifier the bucket currently
// considers latest for key. The read is strongly consistent, so it never
// trails a completed Put.
func (c *Client) CurrentVersion(ctx context.Context, key string) (VersionID, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &c.bucketName,
		Key:    &key,
	})
	if err != nil {
		return "", classifyError(err)
	}
	if out.VersionId == nil {
		return "", fmt.Errorf("bucket %q did not return a version id; object versioning must be enabled", c.bucketName)
	}
	return VersionID(*out.VersionId), nil
}

// ListVersions returns every version identifier ever written for key, oldest
// first. An unknown key yields an empty list, not an error.
func (c *Client) ListVersions(ctx context.Context, key string) ([]VersionID, error) {
	input := &s3.ListObjectVersionsInput{
		Bucket: &c.bucketName,
		Prefix: &key,
	}

	// S3 pages newest-first; collect everything and reverse at the end.
	var newestFirst []VersionID
	for {
		out, err := c.s3Client.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, classifyError(err)
		}

		for _, v := range out.Versions {
			// Prefix matching can pick up sibling keys.
			if v.Key == nil || *v.Key != key || v.VersionId == nil {
				continue
			}
			newestFirst = append(newestFirst, VersionID(*v.VersionId))
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}

	oldestFirst := make([]VersionID, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		oldestFirst = append(oldestFirst, newestFirst[i])
	}
	return oldestFirst, nil
}
