// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 emulates a versioned bucket in memory: every put appends, listings
// page newest-first like the real service.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]fakeVersion // oldest first
	nextVersion int

	// versioningDisabled makes PutObject omit the version id, like a
	// bucket that was never configured for versioning.
	versioningDisabled bool

	// putErr, when set, is returned by the next PutObject call.
	putErr error
}

type fakeVersion struct {
	versionID string
	data      []byte
	sse       types.ServerSideEncryption
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]fakeVersion{}}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putErr != nil {
		err := f.putErr
		f.putErr = nil
		return nil, err
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.nextVersion++
	v := fakeVersion{
		versionID: fmt.Sprintf("ver%06d", f.nextVersion),
		data:      data,
		sse:       params.ServerSideEncryption,
	}
	key := aws.ToString(params.Key)
	f.objects[key] = append(f.objects[key], v)

	out := &s3.PutObjectOutput{
		ServerSideEncryption: params.ServerSideEncryption,
	}
	if !f.versioningDisabled {
		out.VersionId = aws.String(v.versionID)
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	versions, ok := f.objects[aws.ToString(params.Key)]
	if !ok || len(versions) == 0 {
		return nil, &types.NoSuchKey{}
	}

	if params.VersionId == nil {
		v := versions[len(versions)-1]
		return &s3.GetObjectOutput{
			Body:      io.NopCloser(bytes.NewReader(v.data)),
			VersionId: aws.String(v.versionID),
		}, nil
	}

	for _, v := range versions {
		if v.versionID == aws.ToString(params.VersionId) {
			return &s3.GetObjectOutput{
				Body:      io.NopCloser(bytes.NewReader(v.data)),
				VersionId: aws.String(v.versionID),
			}, nil
		}
	}
	return nil, &smithy.GenericAPIError{Code: s3ErrCodeNoSuchVersion, Message: "no such version"}
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	versions, ok := f.objects[aws.ToString(params.Key)]
	if !ok || len(versions) == 0 {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		VersionId: aws.String(versions[len(versions)-1].versionID),
	}, nil
}

func (f *fakeS3) ListObjectVersions(_ context.Context, params *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
	for key, versions := range f.objects {
		if len(prefix) > len(key) || key[:len(prefix)] != prefix {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- { // newest first
			out.Versions = append(out.Versions, types.ObjectVersion{
				Key:       aws.String(key),
				VersionId: aws.String(versions[i].versionID),
				IsLatest:  aws.Bool(i == len(versions)-1),
			})
		}
	}
	return out, nil
}
