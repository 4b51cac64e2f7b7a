package hub

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/ironbrain/groundlink/internal/mavlink"
)

type tailEvent struct {
	Version  string `json:"version"`
	Seq      uint8  `json:"seq"`
	SystemID uint8  `json:"system_id"`
	MsgID    uint32 `json:"msg_id"`
	Msg      string `json:"msg"`
	Len      int    `json:"len"`
	Raw      string `json:"raw"`
}

// AttachAdminRoutes attaches debugging endpoints under /debug/. These routes
// are reachable only over localhost or the tailnet, never publicly.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Live frame tail over Server-Sent Events, one JSON summary per frame.
	debug.HandleSilentFunc("mavlink-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		s := NewSession(TransportDebug, r.RemoteAddr)
		h.Register(s)
		defer h.Unregister(s)

		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case f, ok := <-s.Frames():
				if !ok {
					return
				}
				ev := tailEvent{
					Version:  f.Version.String(),
					Seq:      f.Seq,
					SystemID: f.SystemID,
					MsgID:    f.MsgID,
					Msg:      mavlink.MessageName(f.MsgID),
					Len:      len(f.Raw),
					Raw:      hex.EncodeToString(f.Raw),
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	// API endpoint to inject a hex-encoded frame into the command queue.
	debug.HandleSilentFunc("send-frame-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw, err := hex.DecodeString(strings.TrimSpace(r.FormValue("frame")))
		if err != nil || len(raw) == 0 {
			http.Error(w, "Missing or malformed hex frame", http.StatusBadRequest)
			return
		}
		status, f, _, err := mavlink.Parse(raw)
		if status != mavlink.StatusFrame {
			http.Error(w, fmt.Sprintf("Not a complete frame: %v", err), http.StatusBadRequest)
			return
		}
		if err := h.SubmitCommand(nil, f.Clone()); err != nil {
			http.Error(w, "Failed to queue frame", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Queued %s frame (%d bytes) for the autopilot",
			mavlink.MessageName(f.MsgID), len(raw)))
	})

	debug.HandleFunc("hub-state", "current vehicle state and session counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(h.Snapshot())
	})
}
