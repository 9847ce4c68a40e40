package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
)

type fakeAPI struct {
	puts    []*awss3.PutObjectInput
	deletes []string
	body    string
	headErr error
}

func (f *fakeAPI) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	data, _ := io.ReadAll(in.Body)
	f.body = string(data)
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, *in.Key)
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) HeadBucket(context.Context, *awss3.HeadBucketInput, ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return &awss3.HeadBucketOutput{}, f.headErr
}

type fakePresigner struct {
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := awss3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example.com/" + *in.Key + "?sig=abc"}, nil
}

func testClient() (*Client, *fakeAPI, *fakePresigner) {
	api := &fakeAPI{}
	ps := &fakePresigner{}
	return newClient(api, ps, config.StorageConfig{Bucket: "pdf2md", UploadPrefix: "/pdf-uploads/"}, nil), api, ps
}

func TestObjectKeyUsesPrefixAndUser(t *testing.T) {
	c, _, _ := testClient()
	key := c.ObjectKey("user-1", "Report.PDF")
	if !strings.HasPrefix(key, "pdf-uploads/user-1/") || !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("unexpected key %s", key)
	}
	if other := c.ObjectKey("user-1", "Report.PDF"); other == key {
		t.Fatal("keys must be unique per upload")
	}
}

func TestUploadPresignDelete(t *testing.T) {
	c, api, ps := testClient()
	ctx := context.Background()

	if err := c.Upload(ctx, "pdf-uploads/u/a.pdf", strings.NewReader("%PDF-1.7"), 8, "application/pdf"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(api.puts) != 1 || *api.puts[0].Bucket != "pdf2md" || *api.puts[0].ContentLength != 8 {
		t.Fatalf("unexpected put %+v", api.puts)
	}
	if api.body != "%PDF-1.7" {
		t.Fatalf("unexpected body %q", api.body)
	}

	url, err := c.PresignGet(ctx, "pdf-uploads/u/a.pdf")
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "pdf-uploads/u/a.pdf") {
		t.Fatalf("unexpected url %s", url)
	}
	if ps.expires != defaultPresignExpiry {
		t.Fatalf("expected default expiry, got %s", ps.expires)
	}

	if err := c.Delete(ctx, "pdf-uploads/u/a.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(api.deletes) != 1 {
		t.Fatalf("expected one delete, got %v", api.deletes)
	}
}

func TestPingWrapsError(t *testing.T) {
	c, api, _ := testClient()
	api.headErr = errors.New("forbidden")
	if err := c.Ping(context.Background()); err == nil || !strings.Contains(err.Error(), "pdf2md") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(context.Background(), config.StorageConfig{}, nil); err == nil {
		t.Fatal("expected bucket error")
	}
}
