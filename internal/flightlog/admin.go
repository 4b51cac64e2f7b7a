package flightlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/ironbrain/groundlink/internal/monitoring"
)

// AttachAdminRoutes mounts the flight log's debug handlers: a live tailsql
// console, a backup endpoint, and JSON views of the recent rows.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://flightlog.db", db.DB, &tailsql.DBOptions{
		Label: "Flight log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("flightlog-backup", "Create and download a backup of the flight log",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backupPath := fmt.Sprintf("flightlog-backup-%d.db", time.Now().Unix())
			if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
				http.Error(w, fmt.Sprintf("backup failed: %v", err), http.StatusInternalServerError)
				return
			}
			defer func() {
				if err := os.Remove(backupPath); err != nil {
					monitoring.Logf("flightlog: cannot remove backup file: %v", err)
				}
			}()
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
			w.Header().Set("Content-Type", "application/octet-stream")
			http.ServeFile(w, r, backupPath)
		}))

	debug.Handle("flightlog-recent", "Newest telemetry rows as JSON",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recs, err := db.RecentRecords(100)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			enc.Encode(recs)
		}))

	debug.Handle("flightlog-syncs", "Newest sync attempts as JSON",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts, err := db.SyncHistory(100)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			enc.Encode(attempts)
		}))

	return nil
}
