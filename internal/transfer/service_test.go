package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
)

type memStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.TransferRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[uuid.UUID]*models.TransferRecord)}
}

func (m *memStore) Save(_ context.Context, rec *models.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memStore) FindByID(_ context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, pipeerr.NotFound("transfer record %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) FindBySeriesPseudoUID(_ context.Context, uid string) (*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.SeriesPseudoUID == uid {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, pipeerr.NotFound("transfer record for series %s", uid)
}

func (m *memStore) ListByStatus(_ context.Context, statuses ...models.TransferStatus) ([]models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TransferRecord
	for _, rec := range m.recs {
		for _, st := range statuses {
			if rec.Status == st {
				out = append(out, *rec)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) WithLock(ctx context.Context, id uuid.UUID, fn func(rec *models.TransferRecord) error) error {
	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok {
		m.mu.Unlock()
		return pipeerr.NotFound("transfer record %s", id)
	}
	cp := *rec
	m.mu.Unlock()

	if err := fn(&cp); err != nil {
		return err
	}
	return m.Save(ctx, &cp)
}

type memCreds struct {
	mu   sync.Mutex
	pair models.TokenPair
}

func (m *memCreds) Get(_ context.Context) (*models.TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.pair
	return &cp, nil
}

func (m *memCreds) Save(_ context.Context, pair *models.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = *pair
	return nil
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		HealthEndpoint:   "/api/health",
		UploadEndpoint:   "/api/upload",
		StatusEndpoint:   "/api/status/{task_id}",
		DownloadEndpoint: "/api/download/{task_id}",
		NotifyEndpoint:   "/api/notify/{task_id}",
		RefreshEndpoint:  "/api/token/refresh",
		ClientID:         "test-client",
		MaxRetries:       3,
		RequestTimeout:   5 * time.Second,
		DoneStatus:       "COMPLETED",
		FailStatus:       "FAILED",
	}
}

func newTestService(t *testing.T, baseURL string) (*Service, *memStore) {
	t.Helper()
	creds := &memCreds{pair: models.TokenPair{AccessToken: "tok-1", RefreshToken: "ref-1"}}
	store := newMemStore()
	client := NewClient(testConfig(baseURL), creds)
	return NewService(client, store, t.TempDir(), t.TempDir()), store
}

func seedSeriesDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "1.2.3.4")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img%d.dcm", i))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("slice %d", i)), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func pendingRecord() *models.TransferRecord {
	return &models.TransferRecord{
		ID:              uuid.New(),
		RecordID:        uuid.New(),
		StudyPseudoUID:  "20240101.120000.00001.1.0",
		SeriesPseudoUID: "20240101.120000.00001.1.0.1",
		Status:          models.TransferPending,
	}
}

func TestInitiateUploadsAndAdvancesToSent(t *testing.T) {
	var gotChecksum, gotClientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			w.WriteHeader(http.StatusOK)
		case "/api/upload":
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				t.Fatalf("parse multipart: %v", err)
			}
			gotChecksum = r.FormValue("checksum")
			gotClientID = r.FormValue("client_id")
			json.NewEncoder(w).Encode(map[string]string{"transaction_token": "txn-42"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, store := newTestService(t, srv.URL)
	rec := pendingRecord()
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := svc.Initiate(context.Background(), rec, seedSeriesDir(t)); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if rec.Status != models.TransferSent {
		t.Errorf("status = %s, want %s", rec.Status, models.TransferSent)
	}
	if rec.TransactionToken != "txn-42" {
		t.Errorf("token = %q, want txn-42", rec.TransactionToken)
	}
	if gotChecksum != rec.UploadChecksum || gotChecksum == "" {
		t.Errorf("server saw checksum %q, record has %q", gotChecksum, rec.UploadChecksum)
	}
	if gotClientID != "test-client" {
		t.Errorf("client_id = %q", gotClientID)
	}
}

func TestInitiateUploadFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	if err := svc.Initiate(context.Background(), rec, seedSeriesDir(t)); err == nil {
		t.Fatal("expected error from failing upload")
	}
	if rec.Status != models.TransferFailed {
		t.Errorf("status = %s, want %s", rec.Status, models.TransferFailed)
	}
	if rec.LastError == "" {
		t.Error("expected failure cause to be recorded")
	}
}

// Checksum comparison is case-insensitive: an uppercase server digest
// must still verify against the locally computed lowercase hex.
func TestPollDownloadVerifiesChecksumCaseInsensitively(t *testing.T) {
	artifact := []byte("rtstruct payload")
	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/status/"):
			json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
		case strings.HasPrefix(r.URL.Path, "/api/download/"):
			w.Header().Set("X-File-Checksum", strings.ToUpper(digest))
			w.Write(artifact)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferSent
	rec.TransactionToken = "txn-1"

	if err := svc.Poll(context.Background(), rec); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.Status != models.TransferCompleted {
		t.Fatalf("status = %s, want %s", rec.Status, models.TransferCompleted)
	}
	if !rec.ChecksumVerified {
		t.Error("expected checksum to verify despite server-side uppercase hex")
	}
	if rec.DownloadChecksum != digest {
		t.Errorf("download checksum = %q, want %q", rec.DownloadChecksum, digest)
	}
	got, err := os.ReadFile(rec.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != string(artifact) {
		t.Error("artifact content mismatch")
	}
}

func TestPollDownloadChecksumMismatchDeletesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/status/"):
			json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
		case strings.HasPrefix(r.URL.Path, "/api/download/"):
			w.Header().Set("X-File-Checksum", "deadbeef")
			w.Write([]byte("corrupted payload"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferSent
	rec.TransactionToken = "txn-2"

	err := svc.Poll(context.Background(), rec)
	if !errors.Is(err, pipeerr.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if rec.Status != models.TransferFailed {
		t.Errorf("status = %s, want %s", rec.Status, models.TransferFailed)
	}
	if _, statErr := os.Stat(svc.artifactPath(rec)); !os.IsNotExist(statErr) {
		t.Error("partial artifact should have been deleted")
	}
}

func TestPollMissingChecksumHeaderProceedsUnverified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/status/"):
			json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
		case strings.HasPrefix(r.URL.Path, "/api/download/"):
			w.Write([]byte("unverified payload"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferSent
	rec.TransactionToken = "txn-3"

	if err := svc.Poll(context.Background(), rec); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.Status != models.TransferCompleted {
		t.Errorf("status = %s, want %s", rec.Status, models.TransferCompleted)
	}
	if rec.ChecksumVerified {
		t.Error("record must not claim verification without a server checksum")
	}
}

func TestPollAdvancesToProcessingAndRecordsRemoteVocabulary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "SEGMENTING_ORGANS"})
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferSent
	rec.TransactionToken = "txn-4"

	if err := svc.Poll(context.Background(), rec); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.Status != models.TransferProcessing {
		t.Errorf("client status = %s, want %s", rec.Status, models.TransferProcessing)
	}
	if rec.RemoteStatus != "SEGMENTING_ORGANS" {
		t.Errorf("remote status = %q, want verbatim SEGMENTING_ORGANS", rec.RemoteStatus)
	}
	if rec.PollCount != 1 || rec.LastPolledAt == nil {
		t.Errorf("poll bookkeeping not updated: count=%d lastPolledAt=%v", rec.PollCount, rec.LastPolledAt)
	}
}

func TestPollRemoteFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "FAILED", "error": "segmentation model crashed"})
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferProcessing
	rec.TransactionToken = "txn-5"

	if err := svc.Poll(context.Background(), rec); err == nil {
		t.Fatal("expected error for remote failure status")
	}
	if rec.Status != models.TransferFailed {
		t.Errorf("status = %s, want %s", rec.Status, models.TransferFailed)
	}
	if !strings.Contains(rec.LastError, "segmentation model crashed") {
		t.Errorf("last error %q should carry the remote message", rec.LastError)
	}
}

// A 401 triggers exactly one token refresh for the request; the retried
// call carries the new token and succeeds.
func TestExpiredTokenRefreshedOnceThenRetried(t *testing.T) {
	var refreshes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/token/refresh":
			refreshes++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "tok-2",
				"expires_in":   3600,
			})
		case strings.HasPrefix(r.URL.Path, "/api/status/"):
			if r.Header.Get("Authorization") != "Bearer tok-2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "RUNNING"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferSent
	rec.TransactionToken = "txn-6"

	if err := svc.Poll(context.Background(), rec); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if refreshes != 1 {
		t.Errorf("refresh endpoint hit %d times, want 1", refreshes)
	}
	if rec.RemoteStatus != "RUNNING" {
		t.Errorf("remote status = %q, want RUNNING", rec.RemoteStatus)
	}
}

// A stored token already past its expiry is refreshed before the first
// request instead of bouncing off a 401.
func TestExpiredStoredTokenRefreshedProactively(t *testing.T) {
	var refreshes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/token/refresh":
			refreshes++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "tok-fresh",
				"expires_in":   3600,
			})
		case strings.HasPrefix(r.URL.Path, "/api/status/"):
			if got := r.Header.Get("Authorization"); got != "Bearer tok-fresh" {
				t.Errorf("request carried stale token: %q", got)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "RUNNING"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	creds := &memCreds{pair: models.TokenPair{
		AccessToken:  "tok-stale",
		RefreshToken: "ref-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	client := NewClient(testConfig(srv.URL), creds)

	status, _, err := client.PollStatus(context.Background(), "txn-10")
	if err != nil {
		t.Fatalf("PollStatus failed: %v", err)
	}
	if status != "RUNNING" {
		t.Errorf("status = %q, want RUNNING", status)
	}
	if refreshes != 1 {
		t.Errorf("refresh endpoint hit %d times, want 1", refreshes)
	}
}

func TestSecondUnauthorizedAfterRefreshIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "tok-still-bad",
				"expires_in":   3600,
			})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &memCreds{pair: models.TokenPair{AccessToken: "tok-1", RefreshToken: "ref-1"}}
	client := NewClient(testConfig(srv.URL), creds)

	_, _, err := client.PollStatus(context.Background(), "txn-7")
	if !errors.Is(err, pipeerr.ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestTransientServerErrorsRetriedUpToLimit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "RUNNING"})
	}))
	defer srv.Close()

	creds := &memCreds{pair: models.TokenPair{AccessToken: "tok-1", RefreshToken: "ref-1"}}
	client := NewClient(testConfig(srv.URL), creds)

	status, _, err := client.PollStatus(context.Background(), "txn-8")
	if err != nil {
		t.Fatalf("PollStatus failed: %v", err)
	}
	if status != "RUNNING" {
		t.Errorf("status = %q, want RUNNING", status)
	}
	if hits != 3 {
		t.Errorf("server hit %d times, want 3", hits)
	}
}

func TestNotifyCompletionRequiresExactAcknowledgement(t *testing.T) {
	ack := "Working on it"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"message": ack})
	}))
	defer srv.Close()

	svc, store := newTestService(t, srv.URL)
	rec := pendingRecord()
	rec.Status = models.TransferCompleted
	rec.TransactionToken = "txn-9"
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := svc.NotifyCompletion(context.Background(), rec.ID); err != nil {
		t.Fatalf("NotifyCompletion failed: %v", err)
	}
	got, _ := store.FindByID(context.Background(), rec.ID)
	if got.Status != models.TransferCompleted || got.Notified {
		t.Errorf("non-matching ack must leave record completed, got %s notified=%v", got.Status, got.Notified)
	}

	ack = "File deleted successfully"
	if err := svc.NotifyCompletion(context.Background(), rec.ID); err != nil {
		t.Fatalf("NotifyCompletion failed: %v", err)
	}
	got, _ = store.FindByID(context.Background(), rec.ID)
	if got.Status != models.TransferCompletedNotified || !got.Notified {
		t.Errorf("exact ack should finalize record, got %s notified=%v", got.Status, got.Notified)
	}
}

func TestRetryResetsFailedRecord(t *testing.T) {
	svc, store := newTestService(t, "http://unused")
	rec := pendingRecord()
	rec.Status = models.TransferFailed
	rec.LastError = "remote processing failed"
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := svc.Retry(context.Background(), rec.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	got, _ := store.FindByID(context.Background(), rec.ID)
	if got.Status != models.TransferPending {
		t.Errorf("status = %s, want %s", got.Status, models.TransferPending)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.LastError != "" {
		t.Errorf("last error should be cleared, got %q", got.LastError)
	}

	done := pendingRecord()
	done.Status = models.TransferCompletedNotified
	if err := store.Save(context.Background(), done); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := svc.Retry(context.Background(), done.ID); err == nil {
		t.Error("terminal records must not be restartable")
	}
}
