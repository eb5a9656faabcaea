package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/authgate/internal/config"
	"github.com/welldanyogia/authgate/internal/repository"
)

// fakeS3 records PUT requests and answers HEAD bucket requests.
type fakeS3 struct {
	mu      sync.Mutex
	puts    map[string][]byte
	failPut bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		if r.URL.Path == "/history" || r.URL.Path == "/history/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPut:
		if f.failPut {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.puts[r.URL.Path] = body
		f.mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestArchiver(t *testing.T, bucket string) (*S3Archiver, *fakeS3) {
	t.Helper()
	fake := &fakeS3{puts: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a := NewS3Archiver(config.ArchiveConfig{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          bucket,
		AccessKeyID:     "test",
		SecretAccessKey: "test-secret",
	})
	return a, fake
}

func TestS3Archiver_Archive(t *testing.T) {
	a, fake := newTestArchiver(t, "history")
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return at }

	entries := []repository.LoginRecord{
		{SessionID: "s1", IPAddress: "203.0.113.7", Device: repository.Device{Label: "Firefox on Linux"}, At: at.Add(-time.Hour)},
		{SessionID: "s2", IPAddress: "203.0.113.8", At: at.Add(-2 * time.Hour)},
	}
	require.NoError(t, a.Archive(context.Background(), "acc-1", entries))

	path := "/history/" + Key("acc-1", at)
	fake.mu.Lock()
	body, ok := fake.puts[path]
	fake.mu.Unlock()
	require.True(t, ok, "expected object at %s", path)

	var batch Batch
	require.NoError(t, json.Unmarshal(body, &batch))
	assert.Equal(t, "acc-1", batch.AccountID)
	assert.True(t, batch.ArchivedAt.Equal(at))
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, "s1", batch.Entries[0].SessionID)
}

func TestS3Archiver_EmptyBatchIsNoop(t *testing.T) {
	a, fake := newTestArchiver(t, "history")
	require.NoError(t, a.Archive(context.Background(), "acc-1", nil))
	assert.Empty(t, fake.puts)
}

func TestS3Archiver_PutFailure(t *testing.T) {
	a, fake := newTestArchiver(t, "history")
	fake.failPut = true

	err := a.Archive(context.Background(), "acc-1", []repository.LoginRecord{{SessionID: "s1"}})
	assert.Error(t, err)
}

func TestS3Archiver_Ping(t *testing.T) {
	a, _ := newTestArchiver(t, "history")
	assert.NoError(t, a.Ping(context.Background()))

	missing, _ := newTestArchiver(t, "missing")
	assert.Error(t, missing.Ping(context.Background()))
}

func TestKey(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)
	assert.Equal(t, "login-history/acc-9/1700000000123456789.json", Key("acc-9", at))
}

func TestNopArchiver(t *testing.T) {
	var a Archiver = NopArchiver{}
	assert.NoError(t, a.Archive(context.Background(), "acc", []repository.LoginRecord{{}}))
}
