package store

import (
	"context"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/shipcd/shipcd/pkg/build"
	"github.com/shipcd/shipcd/pkg/retry"
)

// metadata key under which the artifact digest is stored, so that
// re-runs can tell byte-identical artifacts apart from stale ones.
const metaSHA256 = "Sha256"

// Location is where a stored artifact can be retrieved from later; it
// is what gets handed to the deployment platform.
type Location struct {
	Bucket string
	Key    string
}

// Store is durable, content-addressed (by commit revision) artifact
// storage.
type Store interface {
	// Has reports whether a byte-identical artifact is already stored
	// under the key; re-runs use it to skip the upload.
	Has(ctx context.Context, a build.Artifact) (bool, error)
	// Put uploads the artifact.
	Put(ctx context.Context, a build.Artifact) (Location, error)
	// Location returns where the artifact lives (or would live) without
	// touching the backend.
	Location(a build.Artifact) Location
}

// s3API is the slice of the S3 client we consume; *s3.S3 satisfies it.
type s3API interface {
	HeadObjectWithContext(aws.Context, *s3.HeadObjectInput, ...request.Option) (*s3.HeadObjectOutput, error)
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Store keeps artifacts in an S3 bucket under
// <prefix>/<revision>.zip.
type S3Store struct {
	api    s3API
	bucket string
	prefix string
	retry  retry.Policy
	clock  clockwork.Clock
	logger log.Logger
}

func NewS3Store(sess *session.Session, bucket, prefix string, policy retry.Policy, logger log.Logger) *S3Store {
	return &S3Store{
		api:    s3.New(sess),
		bucket: bucket,
		prefix: prefix,
		retry:  policy,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

func (s *S3Store) Location(a build.Artifact) Location {
	return Location{
		Bucket: s.bucket,
		Key:    path.Join(s.prefix, a.Key+".zip"),
	}
}

func (s *S3Store) Has(ctx context.Context, a build.Artifact) (bool, error) {
	loc := s.Location(a)
	head, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case "NotFound", s3.ErrCodeNoSuchKey:
				return false, nil
			}
		}
		return false, errors.Wrapf(err, "querying artifact %s", loc.Key)
	}
	if head.ContentLength == nil || *head.ContentLength != a.Size {
		return false, nil
	}
	if digest, ok := head.Metadata[metaSHA256]; !ok || digest == nil || *digest != a.SHA256 {
		return false, nil
	}
	return true, nil
}

func (s *S3Store) Put(ctx context.Context, a build.Artifact) (Location, error) {
	loc := s.Location(a)
	err := retry.Do(ctx, s.retry, s.clock, s.logger, "upload artifact", func() error {
		f, err := os.Open(a.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			Body:          f,
			ContentLength: aws.Int64(a.Size),
			Metadata: map[string]*string{
				metaSHA256: aws.String(a.SHA256),
			},
		})
		return err
	})
	if err != nil {
		return Location{}, errors.Wrapf(err, "uploading artifact %s", loc.Key)
	}
	s.logger.Log("uploaded", loc.Key, "bucket", loc.Bucket, "size", a.Size)
	return loc, nil
}
