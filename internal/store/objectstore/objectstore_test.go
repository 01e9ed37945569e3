package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

type fakePresign struct{ key string }

func (f *fakePresign) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*presignedRequest, error) {
	f.key = *in.Key
	return &presignedRequest{URL: "https://bucket.example/" + *in.Key + "?X-Amz-Signature=abc"}, nil
}

func TestUploadPublicBase(t *testing.T) {
	objs := &fakeObjects{}
	u := &Uploader{bucket: "b", publicBase: "https://cdn.example", objects: objs, log: zerolog.Nop()}

	url, err := u.Upload(context.Background(), "u1", "../../etc/report.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	key := *objs.in.Key
	assert.True(t, strings.HasPrefix(key, "uploads/u1/"), key)
	assert.True(t, strings.HasSuffix(key, "/report.pdf"), key)
	assert.Equal(t, "application/pdf", *objs.in.ContentType)
	assert.Equal(t, "%PDF", objs.body)
	assert.Equal(t, "https://cdn.example/"+key, url)
}

func TestUploadPresigned(t *testing.T) {
	objs := &fakeObjects{}
	ps := &fakePresign{}
	u := &Uploader{bucket: "b", ttl: time.Hour, objects: objs, presign: ps, log: zerolog.Nop()}

	url, err := u.Upload(context.Background(), "u1", "", "image/png", []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, *objs.in.Key, ps.key)
	assert.Contains(t, url, "X-Amz-Signature")
	assert.True(t, strings.HasSuffix(ps.key, "/attachment"))
}

func TestUploadError(t *testing.T) {
	u := &Uploader{bucket: "b", objects: &fakeObjects{err: errors.New("denied")}, log: zerolog.Nop()}
	_, err := u.Upload(context.Background(), "u1", "a.png", "image/png", nil)
	assert.ErrorContains(t, err, "denied")
}
