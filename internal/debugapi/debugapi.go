// Package debugapi mounts an operator console and a small HTTP API for the
// controller on the tsweb debug mux.
package debugapi

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/state"
)

//go:embed templates/*
var templateFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(templateFS, "templates/console.html.tmpl"))

const maxSubmitBytes = 1 << 20

// Controller is the part of control.Controller the API drives.
type Controller interface {
	View() state.View
	SubmitMany(cmds []protocol.Command) error
	Clear()
	ClearRange(id1, id2 int32) error
	StartProcessing() error
	StopProcessing()
	SetSpeedOverride(percent float64) error
	SetPumpMode(name string, mode state.PumpMode) error
	SetPumpManual(name string, percent float64) error
	SetPumpOverride(name string, percent float64) error
	Resume(link string) error
	Connect(ctx context.Context) error
}

// Subscriber is the event source for the tail stream.
type Subscriber interface {
	Subscribe() (string, <-chan events.Event)
	Unsubscribe(id string)
}

var logf = monitoring.Prefixed("debugapi")

func postOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logf("failed to write response: %v", err)
	}
}

func formFloat(r *http.Request, key string) (float64, bool, error) {
	s := strings.TrimSpace(r.FormValue(key))
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, true, fmt.Errorf("invalid %s %q", key, s)
	}
	return v, true, nil
}

// AttachAdminRoutes registers the console and API routes under /debug/.
func AttachAdminRoutes(mux *http.ServeMux, ctl Controller, sub Subscriber) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("console", "operator console", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := consoleTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleFunc("queue", "queue, in-flight commands and pump state as JSON", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ctl.View())
	})

	// Body is a JSON array of commands. The first element's id positions the block.
	debug.HandleSilentFunc("submit-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		var cmds []protocol.Command
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&cmds); err != nil {
			http.Error(w, fmt.Sprintf("Invalid command list: %v", err), http.StatusBadRequest)
			return
		}
		if len(cmds) == 0 {
			http.Error(w, "Missing commands", http.StatusBadRequest)
			return
		}
		if err := ctl.SubmitMany(cmds); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, fmt.Sprintf("Queued %d commands", len(cmds)))
	})

	debug.HandleSilentFunc("clear-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		from, to := r.FormValue("from"), r.FormValue("to")
		if from == "" && to == "" {
			ctl.Clear()
			io.WriteString(w, "Cleared queue")
			return
		}
		id1, err1 := strconv.ParseInt(from, 10, 32)
		id2, err2 := strconv.ParseInt(to, 10, 32)
		if err1 != nil || err2 != nil {
			http.Error(w, "from and to must both be ids", http.StatusBadRequest)
			return
		}
		if err := ctl.ClearRange(int32(id1), int32(id2)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, fmt.Sprintf("Cleared %d..%d", id1, id2))
	})

	debug.HandleSilentFunc("processing-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		switch r.FormValue("action") {
		case "start":
			if err := ctl.StartProcessing(); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			io.WriteString(w, "Processing started")
		case "stop":
			ctl.StopProcessing()
			io.WriteString(w, "Processing stopped")
		default:
			http.Error(w, "action must be start or stop", http.StatusBadRequest)
		}
	})

	debug.HandleSilentFunc("override-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		v, ok, err := formFloat(r, "speed")
		if err != nil || !ok {
			http.Error(w, "Missing or invalid speed", http.StatusBadRequest)
			return
		}
		if err := ctl.SetSpeedOverride(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, fmt.Sprintf("Speed override %g%%", v))
	})

	// Any of mode, manual and override may be given; they are applied in that order.
	debug.HandleSilentFunc("pump-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			http.Error(w, "Missing pump name", http.StatusBadRequest)
			return
		}
		if mode := r.FormValue("mode"); mode != "" {
			if err := ctl.SetPumpMode(name, state.PumpMode(mode)); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		for _, f := range []struct {
			key string
			set func(string, float64) error
		}{
			{"manual", ctl.SetPumpManual},
			{"override", ctl.SetPumpOverride},
		} {
			v, ok, err := formFloat(r, f.key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if !ok {
				continue
			}
			if err := f.set(name, v); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		io.WriteString(w, fmt.Sprintf("Updated pump %s", name))
	})

	debug.HandleSilentFunc("resume-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		link := r.FormValue("link")
		if err := ctl.Resume(link); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if link == "" {
			link = "all links"
		}
		io.WriteString(w, fmt.Sprintf("Resumed %s", link))
	})

	// Redials every link that is down, after a bite or a dropped connection.
	debug.HandleSilentFunc("connect-api", func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		if err := ctl.Connect(r.Context()); err != nil {
			logf("connect: %v", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		io.WriteString(w, "All links connected")
	})

	// Server-sent events, one JSON event per message.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := sub.Subscribe()
		defer sub.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		kind := events.Kind(r.URL.Query().Get("kind"))
		for {
			select {
			case e, ok := <-c:
				if !ok {
					return
				}
				if kind != "" && e.Kind != kind {
					continue
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
