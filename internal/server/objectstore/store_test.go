package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justincihi/cognisync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	putKey  string
	putBody []byte
	putLen  int64
	delKey  string
	err     error
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.putKey = aws.ToString(in.Key)
	f.putLen = aws.ToInt64(in.ContentLength)
	f.putBody, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.delKey = aws.ToString(in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type fakePresigner struct {
	opts s3.PresignOptions
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	for _, fn := range optFns {
		fn(&f.opts)
	}
	return &v4.PresignedHTTPRequest{URL: "https://s3.local/" + aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)}, nil
}

func TestNew_AppliesRegionAndEndpoint(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	t.Cleanup(func() { loadDefaultAWSConfig, newS3ClientFromConfig = origLoad, origNew })

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		assert.NotNil(t, lo.Credentials)
		return aws.Config{}, nil
	}
	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&opts)
		}
		return s3.New(opts)
	}

	s, err := New(context.Background(), Options{Region: "eu-central-1", AccessKey: "a", SecretKey: "b",
		BaseEndpoint: "http://127.0.0.1:9000", Bucket: "audio"})
	require.NoError(t, err)
	assert.Equal(t, "audio", s.bucket)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://127.0.0.1:9000", *opts.BaseEndpoint)
	assert.True(t, opts.UsePathStyle)
}

func TestNew_ConfigError(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })
	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no creds")
	}

	_, err := New(context.Background(), Options{})
	assert.ErrorContains(t, err, "aws config: no creds")
}

func TestPut_StreamsFile(t *testing.T) {
	api := &fakeAPI{}
	s := &Store{bucket: "b", client: api}
	path := filepath.Join(t.TempDir(), "a.enc")
	require.NoError(t, os.WriteFile(path, []byte("ciphertext"), 0o600))

	require.NoError(t, s.Put(context.Background(), "k1", path))
	assert.Equal(t, "k1", api.putKey)
	assert.Equal(t, int64(10), api.putLen)
	assert.Equal(t, []byte("ciphertext"), api.putBody)
}

func TestPut_MissingFile(t *testing.T) {
	s := &Store{bucket: "b", client: &fakeAPI{}}
	err := s.Put(context.Background(), "k", filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, common.ErrFileIO)
}

func TestDelete(t *testing.T) {
	api := &fakeAPI{}
	s := &Store{bucket: "b", client: api}
	require.NoError(t, s.Delete(context.Background(), "k2"))
	assert.Equal(t, "k2", api.delKey)

	api.err = errors.New("503")
	assert.ErrorContains(t, s.Delete(context.Background(), "k2"), "s3 delete k2: 503")
}

func TestPresignGet(t *testing.T) {
	p := &fakePresigner{}
	s := &Store{bucket: "b", presign: p}

	url, err := s.PresignGet(context.Background(), "k3")
	require.NoError(t, err)
	assert.Equal(t, "https://s3.local/b/k3", url)
	assert.Equal(t, PresignExpiry, p.opts.Expires)
}

func TestNewKey(t *testing.T) {
	k := NewKey(time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^sessions/2026/03/07/[0-9a-f-]{36}\.enc$`), k)
}
