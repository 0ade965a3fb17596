package s3blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePut struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePut) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestWriter_Put(t *testing.T) {
	api := &fakePut{}
	w := &Writer{api: api, bucket: "receipts"}

	require.NoError(t, w.Put(context.Background(), "receipts/orders/2026/01/02/o1.json", strings.NewReader(`{"a":1}`), "application/json"))
	assert.Equal(t, "receipts", aws.ToString(api.input.Bucket))
	assert.Equal(t, "receipts/orders/2026/01/02/o1.json", aws.ToString(api.input.Key))
	assert.Equal(t, "application/json", aws.ToString(api.input.ContentType))
	assert.Equal(t, `{"a":1}`, api.body)

	api.err = errors.New("denied")
	err := w.Put(context.Background(), "k", strings.NewReader(""), "text/plain")
	assert.ErrorContains(t, err, "denied")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.Error(t, err)
}
