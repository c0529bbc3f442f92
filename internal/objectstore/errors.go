// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

package objectstore

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrNotFound reports a key or version that was never written.
	ErrNotFound = errors.New("state object not found")

	// ErrStorageUnavailable reports a transient failure reaching the backing
	// bucket. Callers may retry with backoff.
	ErrStorageUnavailable = errors.New("object storage unavailable")

	// ErrEncryption reports that server-side encryption could not be applied.
	// This is a misconfiguration and retrying will not help.
	ErrEncryption = errors.New("server-side encryption failed")
)

const (
	s3ErrCodeInternalError = "InternalError"
	s3ErrCodeSlowDown      = "SlowDown"
	s3ErrCodeNoSuchVersion = "NoSuchVersion"
)

// classifyError maps an S3 SDK error onto the store's error taxonomy. Errors
// that fit no category are returned as-is so the caller still sees the
// underlying cause.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var nb *types.NoSuchBucket
	if errors.As(err, &nb) {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, errS3NoSuchBucket)
	}

	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	// HeadObject reports missing keys with a bare NotFound.
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == s3ErrCodeNoSuchVersion:
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		case code == s3ErrCodeInternalError,
			code == s3ErrCodeSlowDown,
			code == "ServiceUnavailable",
			code == "RequestTimeout":
			return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
		case code == "ServerSideEncryptionConfigurationNotFoundError",
			strings.HasPrefix(code, "KMS."):
			return fmt.Errorf("%w: %s", ErrEncryption, err)
		}
		return err
	}

	// Transport-level failures never reached the service at all.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}

	return err
}

const errS3NoSuchBucket = `the state bucket does not exist; it must be provisioned before use`
