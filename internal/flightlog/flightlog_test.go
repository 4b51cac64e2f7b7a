package flightlog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ironbrain/groundlink/internal/telemetry"
)

func openTestLog(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "flightlog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord(i int) telemetry.Record {
	return telemetry.Record{
		VehicleID:   "drone-1",
		CaptureTime: 1700000000.5 + float64(i),
		Nonce:       "nonce-" + string(rune('a'+i)),
		Payload:     map[string]any{"altitude": 42.5, "mode": "GUIDED"},
	}
}

func TestLogRecordRoundTrip(t *testing.T) {
	db := openTestLog(t)

	for i := 0; i < 3; i++ {
		if err := db.LogRecord(sampleRecord(i)); err != nil {
			t.Fatalf("LogRecord failed: %v", err)
		}
	}

	n, err := db.RecordCount()
	if err != nil {
		t.Fatalf("RecordCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("RecordCount = %d, want 3", n)
	}

	recs, err := db.RecentRecords(2)
	if err != nil {
		t.Fatalf("RecentRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("RecentRecords returned %d rows, want 2", len(recs))
	}
	// Newest first.
	if recs[0].CaptureTime < recs[1].CaptureTime {
		t.Error("RecentRecords not ordered newest first")
	}
	if recs[0].VehicleID != "drone-1" {
		t.Errorf("VehicleID = %q", recs[0].VehicleID)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(recs[0].Payload), &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload["mode"] != "GUIDED" {
		t.Errorf("payload mode = %v", payload["mode"])
	}
}

func TestLogRecordDuplicateNonceRejected(t *testing.T) {
	db := openTestLog(t)

	rec := sampleRecord(0)
	if err := db.LogRecord(rec); err != nil {
		t.Fatalf("first LogRecord failed: %v", err)
	}
	if err := db.LogRecord(rec); err == nil {
		t.Error("duplicate nonce accepted")
	}
}

func TestLogSyncHistory(t *testing.T) {
	db := openTestLog(t)

	if err := db.LogSync(50, 200, 120*time.Millisecond); err != nil {
		t.Fatalf("LogSync failed: %v", err)
	}
	if err := db.LogSync(10, 500, 2*time.Second); err != nil {
		t.Fatalf("LogSync failed: %v", err)
	}

	attempts, err := db.SyncHistory(10)
	if err != nil {
		t.Fatalf("SyncHistory failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("SyncHistory returned %d rows, want 2", len(attempts))
	}
	if attempts[0].StatusCode != 500 || attempts[0].DurationMs != 2000 {
		t.Errorf("newest attempt = %+v, want status 500, 2000ms", attempts[0])
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flightlog.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := db.LogRecord(sampleRecord(0)); err != nil {
		t.Fatalf("LogRecord failed: %v", err)
	}
	version, dirty, err := db.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version == 0 || dirty {
		t.Errorf("version = %d dirty = %v after Open", version, dirty)
	}
	db.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.RecordCount()
	if err != nil {
		t.Fatalf("RecordCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RecordCount after reopen = %d, want 1", n)
	}
}

// localHostRequest builds a request that passes the debug handler's
// local-access check.
func localHostRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminRecentRoute(t *testing.T) {
	db := openTestLog(t)
	if err := db.LogRecord(sampleRecord(0)); err != nil {
		t.Fatalf("LogRecord failed: %v", err)
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, localHostRequest(http.MethodGet, "/debug/flightlog-recent"))
	if rr.Code != http.StatusOK {
		t.Fatalf("flightlog-recent status = %d, body %s", rr.Code, rr.Body.String())
	}
	var recs []LoggedRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if len(recs) != 1 || recs[0].Nonce != "nonce-a" {
		t.Errorf("recent rows = %+v", recs)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, localHostRequest(http.MethodGet, "/debug/tailsql/"))
	if rr.Code == http.StatusNotFound {
		t.Error("tailsql route not registered")
	}
}
