package hub

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ironbrain/groundlink/internal/mavlink"
)

// localHostRequest creates an httptest request that appears to come from
// localhost, which tsweb.AllowDebugAccess requires.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func adminMux(t *testing.T) (*Hub, *fakeLink, *http.ServeMux) {
	t.Helper()
	link := newFakeLink()
	h, _ := startHub(t, link)
	httpMux := http.NewServeMux()
	h.AttachAdminRoutes(httpMux)
	return h, link, httpMux
}

func TestAdminHubState(t *testing.T) {
	h, link, httpMux := adminMux(t)

	link.frames <- heartbeatFrame(t, 0, true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.Snapshot().FramesIn == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/hub-state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("hub-state status = %d, body: %s", rec.Code, rec.Body.String())
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("hub-state did not return JSON: %v", err)
	}
	if !snap.Vehicle.Heartbeat.Armed {
		t.Error("snapshot vehicle not armed")
	}
	if snap.Link.Device != "/dev/fake" {
		t.Errorf("snapshot link device = %q", snap.Link.Device)
	}
}

func TestAdminSendFrame(t *testing.T) {
	_, link, httpMux := adminMux(t)

	cmd := mavlink.GCSHeartbeat(9)
	form := url.Values{"frame": {hex.EncodeToString(cmd.Raw)}}
	req := localHostRequest(http.MethodPost, "/debug/send-frame-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-frame-api status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "HEARTBEAT") {
		t.Errorf("response does not name the message: %s", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(link.Sent()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	sent := link.Sent()
	if len(sent) != 1 || sent[0].Seq != 9 {
		t.Fatalf("link did not receive the injected frame: %v", sent)
	}
}

func TestAdminSendFrameRejects(t *testing.T) {
	_, _, httpMux := adminMux(t)

	cases := []struct {
		name   string
		method string
		frame  string
		status int
	}{
		{"GET not allowed", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"empty frame", http.MethodPost, "", http.StatusBadRequest},
		{"bad hex", http.MethodPost, "zz", http.StatusBadRequest},
		{"incomplete frame", http.MethodPost, "fd09", http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			form := url.Values{"frame": {c.frame}}
			req := localHostRequest(c.method, "/debug/send-frame-api", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			if rec.Code != c.status {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, c.status, rec.Body.String())
			}
		})
	}
}
