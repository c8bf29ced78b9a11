package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/internal/auth"
	"github.com/pgbridge/pgbridge/internal/config"
	"github.com/pgbridge/pgbridge/internal/engine"
)

// fakeRows feeds canned rows through the pgx.Rows interface.
type fakeRows struct {
	columns []string
	rows    [][]any
	pos     int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, name := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: name}
	}
	return fds
}
func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}
func (r *fakeRows) Scan(...any) error      { return errors.New("not implemented") }
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

// fakeSender records every submitted batch and answers each statement with
// the same canned result set.
type fakeSender struct {
	mu      sync.Mutex
	batches []*pgx.Batch

	columns  []string
	rows     [][]any
	queryErr error
	block    chan struct{}
}

func (s *fakeSender) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	return &fakeBatchResults{sender: s}
}

// take returns the SQL and arguments of the most recent batch's first
// statement.
func (s *fakeSender) take(t *testing.T) (string, []any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.batches, "no batch was submitted")
	queued := s.batches[len(s.batches)-1].QueuedQueries
	require.NotEmpty(t, queued)
	return queued[0].SQL, queued[0].Arguments
}

func (s *fakeSender) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type fakeBatchResults struct {
	sender *fakeSender
}

func (b *fakeBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (b *fakeBatchResults) QueryRow() pgx.Row                { return nil }
func (b *fakeBatchResults) Close() error                     { return nil }
func (b *fakeBatchResults) Query() (pgx.Rows, error) {
	if b.sender.queryErr != nil {
		return nil, b.sender.queryErr
	}
	return &fakeRows{columns: b.sender.columns, rows: b.sender.rows}, nil
}

const testSession = "0123456789abcdef0123456789abcdef01234567"

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// newTestHandler builds a full dispatcher over the fake sender: a one-provider
// store, an HS256 verifier and an empty static root.
func newTestHandler(t *testing.T, sender *fakeSender) (*Handler, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	providers := `[{
		"id": "main",
		"audience": "web-client",
		"issuers": ["accounts.example.com"],
		"secret": "provider-shared-secret",
		"auth_uri": "https://accounts.example.com/authorize"
	}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.json"), []byte(providers), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "certs"), 0o755))

	store, err := auth.NewStore(dir, "providers.json", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		AdminPassword: "adminpw",
		ReceiveWindow: 5 * time.Second,
		StaticRoot:    filepath.Join(dir, "www"),
	}

	h := NewHandler(cfg, store, auth.NewVerifier(store, "server-secret"), engine.NewWithSender(sender, 4, nil), nil)

	r := gin.New()
	h.Register(r)
	return h, r
}

func doRequest(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
