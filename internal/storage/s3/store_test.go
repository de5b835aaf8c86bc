package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/crmpipe/crmpipe/internal/storage"
)

const testArchiveKey = "dead-letters/date=2026-02-19/hour=09/export-1.jsonl"

var testArchive = []byte(`{"queue":"order_created","messageId":"m-1","payload":"e30="}` + "\n" +
	`{"queue":"customer_created","messageId":"m-2","payload":"e30="}` + "\n")

func TestPutStoresArchiveUnderPrefixAndReturnsArchiveKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "/crmpipe/prod/", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	info, err := store.Put(context.Background(), "/"+testArchiveKey, bytes.NewReader(testArchive), int64(len(testArchive)), storage.PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutBucket != "bucket-a" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "crmpipe/prod/"+testArchiveKey {
		t.Fatalf("object key = %q", fake.lastPutKey)
	}
	if info.Key != testArchiveKey {
		t.Fatalf("returned key = %q, want %q", info.Key, testArchiveKey)
	}
	if !bytes.Equal(fake.lastPutBody, testArchive) {
		t.Fatalf("uploaded body = %q", fake.lastPutBody)
	}
}

func TestPutSetsArchiveContentTypeAndMetadata(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	meta := map[string]string{"message-count": "2"}
	if _, err := store.Put(context.Background(), testArchiveKey, bytes.NewReader(testArchive), int64(len(testArchive)), storage.PutOptions{Metadata: meta}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got := fake.lastPutOptions
	if got.ContentType != ArchiveContentType {
		t.Fatalf("content type = %q", got.ContentType)
	}
	if got.Metadata["message-count"] != "2" || got.Metadata["archive-key"] != testArchiveKey {
		t.Fatalf("metadata = %#v", got.Metadata)
	}
	if _, ok := meta["archive-key"]; ok {
		t.Fatal("caller metadata was modified")
	}
}

func TestPutRejectsEmptyArchive(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if _, err := store.Put(context.Background(), testArchiveKey, bytes.NewReader(nil), 0, storage.PutOptions{}); err == nil {
		t.Fatal("expected empty archive to be rejected")
	}
	if fake.lastPutKey != "" {
		t.Fatalf("upload happened for %q", fake.lastPutKey)
	}
}

func TestStoreRejectsKeysOutsideArchiveLayout(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "crmpipe", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{
		"",
		"../secrets.txt",
		"dead-letters/../../secrets.jsonl",
		"dead-letters/date=2026-02-19/hour=09/report.csv",
		"orders/date=2026-02-19/hour=09/export-1.jsonl",
	} {
		if _, err := store.Put(ctx, key, bytes.NewReader(testArchive), int64(len(testArchive)), storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) accepted", key)
		}
		if _, err := store.Get(ctx, key); err == nil {
			t.Fatalf("Get(%q) accepted", key)
		}
		if err := store.Delete(ctx, key); err == nil {
			t.Fatalf("Delete(%q) accepted", key)
		}
	}
	if fake.calls != 0 {
		t.Fatalf("client called %d times for invalid keys", fake.calls)
	}
}

func TestStatReturnsArchiveKeyAndMessageCount(t *testing.T) {
	fake := &fakeClient{statMetadata: map[string]string{"message-count": "2"}}
	store, err := NewWithClient("bucket-a", "crmpipe", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	info, err := store.Stat(context.Background(), testArchiveKey)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Key != testArchiveKey || info.Metadata["message-count"] != "2" {
		t.Fatalf("Stat() = %+v", info)
	}
}

func TestGetReadsArchiveAndMapsMissing(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "crmpipe", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	body, err := store.Get(context.Background(), testArchiveKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, _ := io.ReadAll(body)
	_ = body.Close()
	if string(got) != "crmpipe/"+testArchiveKey {
		t.Fatalf("read %q", got)
	}

	fake.getErr = storage.ErrObjectNotFound
	_, err = store.Get(context.Background(), testArchiveKey)
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
	if !strings.Contains(err.Error(), testArchiveKey) || strings.Contains(err.Error(), "crmpipe/") {
		t.Fatalf("error should name the archive key only: %v", err)
	}
}

func TestDeleteTreatsMissingArchiveAsRemoved(t *testing.T) {
	fake := &fakeClient{deleteErr: storage.ErrObjectNotFound}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.Delete(context.Background(), testArchiveKey); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	fake.deleteErr = errors.New("access denied")
	if err := store.Delete(context.Background(), testArchiveKey); err == nil {
		t.Fatal("expected delete failure to surface")
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestHealthCheckRequiresBucket(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected missing bucket to fail the health check")
	}
	fake.bucketExists = true
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	fake.bucketErr = errors.New("connection refused")
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected unreachable store to fail the health check")
	}
}

func TestUserMetadataStripsAmzPrefix(t *testing.T) {
	got := userMetadata(map[string]string{"X-Amz-Meta-Message-Count": "3"})
	if got["message-count"] != "3" {
		t.Fatalf("userMetadata() = %#v", got)
	}
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{raw: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
		{raw: "http://localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: true},
		{raw: "localhost:9000", wantHost: "localhost:9000"},
		{raw: "ftp://minio.example.com", wantErr: true},
		{raw: "https://", wantErr: true},
	}
	for _, tc := range cases {
		host, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseEndpoint(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tc.raw, err)
		}
		if host != tc.wantHost || secure != tc.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q/%v", tc.raw, host, secure)
		}
	}
}

type fakeClient struct {
	calls              int
	lastPutBucket      string
	lastPutKey         string
	lastPutBody        []byte
	lastPutOptions     storage.PutOptions
	statMetadata       map[string]string
	bucketExists       bool
	bucketErr          error
	createBucketCalled bool
	deleteErr          error
	getErr             error
}

func (f *fakeClient) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	f.calls++
	f.lastPutBucket = bucket
	f.lastPutOptions = opts
	f.lastPutKey = key
	f.lastPutBody, _ = io.ReadAll(reader)
	return storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeClient) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	f.calls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeClient) Stat(_ context.Context, _, key string) (storage.ObjectInfo, error) {
	f.calls++
	return storage.ObjectInfo{Key: key, Size: int64(len(testArchive)), LastModified: time.Now().UTC(), Metadata: f.statMetadata}, nil
}

func (f *fakeClient) Delete(_ context.Context, _, _ string) error {
	f.calls++
	return f.deleteErr
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, f.bucketErr
}

func (f *fakeClient) CreateBucket(_ context.Context, _, _ string) error {
	f.createBucketCalled = true
	return nil
}
