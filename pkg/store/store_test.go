package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipcd/shipcd/pkg/build"
	"github.com/shipcd/shipcd/pkg/retry"
)

type storedObject struct {
	size   int64
	sha256 string
}

type fakeS3 struct {
	objects  map[string]storedObject
	putErrs  []error
	putCalls int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]storedObject{}}
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, awserr.New("NotFound", "no such object", nil)
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(obj.size),
		Metadata:      map[string]*string{metaSHA256: aws.String(obj.sha256)},
	}, nil
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	f.putCalls++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var sha string
	if m := in.Metadata[metaSHA256]; m != nil {
		sha = *m
	}
	f.objects[*in.Key] = storedObject{size: *in.ContentLength, sha256: sha}
	return &s3.PutObjectOutput{}, nil
}

func testStore(api s3API) *S3Store {
	return &S3Store{
		api:    api,
		bucket: "artifacts",
		prefix: "widget",
		retry:  retry.Policy{MaxAttempts: 3},
		clock:  clockwork.NewRealClock(),
		logger: log.NewNopLogger(),
	}
}

func testArtifact(t *testing.T) (build.Artifact, func()) {
	dir, err := ioutil.TempDir("", "shipcd-store-test")
	require.NoError(t, err)
	p := filepath.Join(dir, "bundle.zip")
	require.NoError(t, ioutil.WriteFile(p, []byte("hello"), 0644))
	return build.Artifact{
		Key:    "abc123",
		Path:   p,
		Size:   5,
		SHA256: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	}, func() { os.RemoveAll(dir) }
}

func TestPutThenHas(t *testing.T) {
	api := newFakeS3()
	s := testStore(api)
	art, cleanup := testArtifact(t)
	defer cleanup()

	has, err := s.Has(context.Background(), art)
	require.NoError(t, err)
	assert.False(t, has)

	loc, err := s.Put(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, Location{Bucket: "artifacts", Key: "widget/abc123.zip"}, loc)
	assert.Equal(t, loc, s.Location(art))

	has, err = s.Has(context.Background(), art)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHas_MismatchedContentIsNotAHit(t *testing.T) {
	api := newFakeS3()
	s := testStore(api)
	art, cleanup := testArtifact(t)
	defer cleanup()

	_, err := s.Put(context.Background(), art)
	require.NoError(t, err)

	changed := art
	changed.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	has, err := s.Has(context.Background(), changed)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPut_RetriesTransientFailures(t *testing.T) {
	api := newFakeS3()
	api.putErrs = []error{errors.New("throttled")}
	s := testStore(api)
	art, cleanup := testArtifact(t)
	defer cleanup()

	_, err := s.Put(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, 2, api.putCalls)
}

func TestPut_ExhaustedRetriesSurface(t *testing.T) {
	api := newFakeS3()
	api.putErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	s := testStore(api)
	art, cleanup := testArtifact(t)
	defer cleanup()

	_, err := s.Put(context.Background(), art)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploading artifact widget/abc123.zip")
}
