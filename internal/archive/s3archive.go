// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"

	"github.com/tapearc/tapearcd/internal/ticket"
)

// checksumMetadataKey is the S3 object-metadata key under which the
// locally-computed SHA-256/base64 checksum is registered on Put, since S3
// has no first-class "checksum of record" concept for arbitrary hashes.
const checksumMetadataKey = "tapearc-checksum"

// S3Config configures an S3-backed Archive. Endpoint is optional (empty
// uses the AWS SDK's default resolver); AccessKey/SecretKey are optional
// (empty falls back to the SDK's default credential chain).
type S3Config struct {
	Endpoint          string
	Region            string
	Bucket            string
	AccessKey         string
	SecretKey         string
	IsResourceServer  bool
	RateLimitBytesSec int64
}

// S3Archive implements Archive against an S3-compatible object store.
// Buckets/keys stand in for iRODS collections/objects; storage class and
// restore status stand in for DMF tape-tier state, per spec §4.6.
type S3Archive struct {
	client            *s3.Client
	bucket            string
	isResourceServer  bool
	rateLimitBytesSec int64
	logger            *slog.Logger
}

// NewS3Archive builds an S3Archive from cfg, resolving AWS SDK
// configuration via the standard config/credentials chain, overridden by
// any explicit endpoint or static credentials in cfg.
func NewS3Archive(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS SDK configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &S3Archive{
		client:            client,
		bucket:            cfg.Bucket,
		isResourceServer:  cfg.IsResourceServer,
		rateLimitBytesSec: cfg.RateLimitBytesSec,
		logger:            logger,
	}, nil
}

// s3Session is a no-op handle: the S3 SDK client pools and manages its own
// connections, so there is no per-session resource to release here.
// AcquireSession's HeadBucket probe is the thing that actually validates
// archive reachability; Release exists only to satisfy the Session
// contract so callers keep the acquire/defer-release discipline spec
// §4.6/§5 requires of every archive backend, including ones that do hold
// real per-session state.
type s3Session struct{}

func (s3Session) Release() {}

// AcquireSession probes the bucket with a backoff-retried HeadBucket call,
// mirroring the retry discipline of the session-acquisition helper this
// was grounded on. timeout bounds the probe only; the returned session is
// a stateless handle with no deadline of its own.
func (a *S3Archive) AcquireSession(ctx context.Context, timeout time.Duration) (Session, error) {
	probeCtx, probeCancel := context.WithTimeout(ctx, timeout)
	defer probeCancel()

	_, err := backoff.Retry(probeCtx, func() (struct{}, error) {
		_, err := a.client.HeadBucket(probeCtx, &s3.HeadBucketInput{Bucket: &a.bucket})
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		return nil, errors.Wrap(err, "acquiring archive session")
	}

	return s3Session{}, nil
}

// ListObjects streams the bucket's object listing, translated into
// ObjectRecords, honoring filter.Prefix (or, when filter.Collection is set,
// the key prefix collection/object) and limit.
func (a *S3Archive) ListObjects(ctx context.Context, sess Session, filter ListFilter, limit int) (<-chan ObjectRecord, <-chan error) {
	out := make(chan ObjectRecord)
	errc := make(chan error, 1)

	prefix := filter.Prefix
	if filter.Collection != "" {
		prefix = strings.TrimSuffix(filter.Collection, "/") + "/" + filter.Object
	}

	go func() {
		defer close(out)
		defer close(errc)

		emitted := 0
		paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
			Bucket: &a.bucket,
			Prefix: &prefix,
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				errc <- errors.Wrap(err, "listing archive objects")
				return
			}
			for _, obj := range page.Contents {
				if limit > 0 && emitted >= limit {
					return
				}
				record, err := a.describeObject(ctx, *obj.Key, obj)
				if err != nil {
					errc <- err
					return
				}
				select {
				case out <- record:
					emitted++
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}

// describeObject fills out an ObjectRecord for key, using fields already
// present on the listing entry and a HeadObject call for owner/checksum
// metadata not carried by ListObjectsV2.
func (a *S3Archive) describeObject(ctx context.Context, key string, obj types.Object) (ObjectRecord, error) {
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &key})
	if err != nil {
		return ObjectRecord{}, errors.Wrapf(err, "describing archive object %s", key)
	}

	collection, object := splitCollection(key)
	record := ObjectRecord{
		Collection:          collection,
		Object:              object,
		RemoteFile:          key,
		RemoteReplicaNumber: 0,
		RemoteReplicaStatus: dmfStateFromHead(head.StorageClass, head.Restore),
	}
	if obj.Size != nil {
		record.RemoteSize = *obj.Size
	}
	if obj.LastModified != nil {
		record.RemoteModifyTime = obj.LastModified.Unix()
	}
	if head.Metadata != nil {
		record.RemoteChecksum = head.Metadata[checksumMetadataKey]
		record.RemoteOwnerName = head.Metadata["tapearc-owner-name"]
		record.RemoteOwnerZone = head.Metadata["tapearc-owner-zone"]
	}
	if head.LastModified != nil {
		record.RemoteCreateTime = head.LastModified.Unix()
	}
	return record, nil
}

// splitCollection splits a remote path into its parent collection and leaf
// object name, the way an iRODS path splits into collection and data object.
func splitCollection(remoteFile string) (collection, object string) {
	idx := strings.LastIndex(remoteFile, "/")
	if idx < 0 {
		return "", remoteFile
	}
	return remoteFile[:idx], remoteFile[idx+1:]
}

// Get streams tk.RemoteFile down to tk.LocalFile. A storage class that has
// not been restored yet yields ErrDMFRuleFailed instead of attempting the
// transfer, matching the tape-recall gate in spec §4.4/§4.6.
func (a *S3Archive) Get(ctx context.Context, sess Session, tk *ticket.Ticket) error {
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &tk.RemoteFile})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "checking archive object before GET"), ErrTransient)
	}

	state := dmfStateFromHead(head.StorageClass, head.Restore)
	tk.DMFState = state
	if state == dmfMigrated || state == dmfRestoring {
		if _, err := a.client.RestoreObject(ctx, &s3.RestoreObjectInput{
			Bucket: &a.bucket,
			Key:    &tk.RemoteFile,
			RestoreRequest: &types.RestoreRequest{
				Days: aws32(7),
				GlacierJobParameters: &types.GlacierJobParameters{
					Tier: types.TierStandard,
				},
			},
		}); err != nil && !isAlreadyRestoring(err) {
			a.logger.Warn("requesting tape recall", "remote_file", tk.RemoteFile, "error", err)
		}
		return ErrDMFRuleFailed
	}

	start := time.Now()
	obj, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &a.bucket, Key: &tk.RemoteFile})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "GET from archive"), ErrTransient)
	}
	defer obj.Body.Close()

	f, err := os.OpenFile(tk.LocalFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "opening local file for GET")
	}
	defer f.Close()

	w := newThrottledWriter(ctx, f, a.rateLimitBytesSec)
	n, err := io.Copy(w, &countingReader{r: obj.Body, tk: tk})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "streaming GET body"), ErrTransient)
	}

	tk.Transferred = n
	tk.TransferTime = time.Since(start).Seconds()
	if obj.ContentLength != nil {
		tk.RemoteSize = *obj.ContentLength
	}
	return nil
}

// Put streams tk.LocalFile up to tk.RemoteFile, registering the ticket's
// locally-computed checksum as object metadata.
func (a *S3Archive) Put(ctx context.Context, sess Session, tk *ticket.Ticket) error {
	if tk.Checksum == "" {
		if err := tk.ComputeChecksum(); err != nil {
			return errors.Wrap(err, "computing checksum before PUT")
		}
	}

	f, err := os.Open(tk.LocalFile)
	if err != nil {
		return errors.Wrap(err, "opening local file for PUT")
	}
	defer f.Close()

	start := time.Now()
	cr := &countingReader{r: newThrottledReader(ctx, f, a.rateLimitBytesSec), tk: tk}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &tk.RemoteFile,
		Body:   cr,
		Metadata: map[string]string{
			checksumMetadataKey: tk.Checksum,
		},
	})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "PUT to archive"), ErrTransient)
	}

	tk.Transferred = cr.total
	tk.TransferTime = time.Since(start).Seconds()
	tk.DMFState = dmfResident
	return nil
}

// Checksum fetches the archive's registered checksum for remoteFile and
// compares it against localChecksum, reporting ErrChecksumMismatch on a
// mismatch. No registered checksum is treated as nothing to verify.
func (a *S3Archive) Checksum(ctx context.Context, sess Session, remoteFile, localChecksum string) error {
	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &remoteFile})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "fetching archive checksum"), ErrTransient)
	}
	remote := ""
	if head.Metadata != nil {
		remote = head.Metadata[checksumMetadataKey]
	}
	if remote == "" || remote == localChecksum {
		return nil
	}
	return errors.Wrapf(ErrChecksumMismatch, "remote %q local %q", remote, localChecksum)
}

// ResolveDMF batch-resolves tape-tier state for queries, chunking the
// batch so no single resolution call's key list exceeds the rule-body
// size cap (spec §4.6). Which microservice name the original system would
// have called (msiGetDmfObject vs GetDmfObject) hinges on IsResourceServer;
// here both paths call the same HeadObject-derived resolution since there
// is only one physical backend, but the distinction is preserved in the
// log output so the two code paths remain observably different.
func (a *S3Archive) ResolveDMF(ctx context.Context, sess Session, queries []DMFQuery) (<-chan DMFResult, <-chan error) {
	out := make(chan DMFResult)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		microservice := "GetDmfObject"
		if a.isResourceServer {
			microservice = "msiGetDmfObject"
		}

		for _, batch := range batchDMFQueries(queries) {
			a.logger.Debug("resolving DMF batch", "microservice", microservice, "count", len(batch))
			for _, q := range batch {
				head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &q.RemoteFile})
				if err != nil {
					select {
					case out <- DMFResult{RemoteFile: q.RemoteFile, LocalFile: q.LocalFile, DMFState: "???"}:
					case <-ctx.Done():
						return
					}
					continue
				}
				result := DMFResult{
					RemoteFile: q.RemoteFile,
					LocalFile:  q.LocalFile,
					DMFState:   dmfStateFromHead(head.StorageClass, head.Restore),
				}
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}

// DMF tape-tier state strings, matching the Status field spec §3.1
// defines for ticket.DMFState.
const (
	dmfResident  = "REG"
	dmfMigrated  = "MIG"
	dmfRestoring = "DUL"
	dmfOffline   = "OFL"
)

// dmfStateFromHead maps an S3 storage class and restore-status string onto
// a DMF tape-tier state: an "ongoing-request=\"true\"" restore header means
// the recall is in flight; GLACIER/DEEP_ARCHIVE with a completed restore
// ("ongoing-request=\"false\"") is resident, and without one is migrated;
// every other storage class is resident.
func dmfStateFromHead(class types.StorageClass, restore *string) string {
	if restore != nil && strings.Contains(*restore, `ongoing-request="true"`) {
		return dmfRestoring
	}
	switch class {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		if restore != nil && strings.Contains(*restore, `ongoing-request="false"`) {
			return dmfResident
		}
		return dmfMigrated
	case "":
		return dmfResident
	default:
		return dmfResident
	}
}

func isAlreadyRestoring(err error) bool {
	return strings.Contains(err.Error(), "RestoreAlreadyInProgress")
}

func aws32(v int32) *int32 { return &v }

// countingReader wraps an io.Reader, accumulating bytes read into tk's
// in-memory Transferred counter as the transfer progresses rather than
// only at completion. The counter is not persisted mid-transfer; the
// ticket file is written only before and after each attempt.
type countingReader struct {
	r     io.Reader
	tk    *ticket.Ticket
	total int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.total += int64(n)
	c.tk.Transferred = c.total
	return n, err
}
