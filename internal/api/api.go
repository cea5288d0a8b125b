// Package api exposes the registry, stats and traffic capture of a Sniffy
// instance over HTTP.
package api

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/registry"
	"GoSniffy/pkg/sniffy"
	"GoSniffy/pkg/spy"
	"GoSniffy/pkg/stats"
)

const maxCaptureDuration = 5 * time.Minute

// EntryJSON is the wire form of a registry entry.
type EntryJSON struct {
	Kind       string `json:"kind"`
	Target     string `json:"target,omitempty"`
	URL        string `json:"url,omitempty"`
	Principal  string `json:"principal,omitempty"`
	Status     string `json:"status"`
	Discovered bool   `json:"discovered,omitempty"`
}

func (e EntryJSON) record() registry.Record {
	kind := e.Kind
	if kind == "" {
		kind = meta.KindSocket.String()
	}
	return registry.Record{Kind: kind, Target: e.Target, URL: e.URL, Principal: e.Principal, Status: e.Status}
}

// StatJSON is one row of the stats listing.
type StatJSON struct {
	Target     string       `json:"target"`
	ConnID     int64        `json:"conn_id,omitempty"`
	Trace      string       `json:"trace,omitempty"`
	ThreadID   uint64       `json:"thread_id,omitempty"`
	ThreadName string       `json:"thread_name,omitempty"`
	Totals     stats.Totals `json:"totals"`
}

// Handler holds the dependencies for API handlers.
type Handler struct {
	sniffy *sniffy.Sniffy
}

// NewRouter builds the admin routes for s.
func NewRouter(s *sniffy.Sniffy) *mux.Router {
	h := &Handler{sniffy: s}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthHandler).Methods("GET")
	r.HandleFunc("/api/v1/registry", h.listRegistryHandler).Methods("GET")
	r.HandleFunc("/api/v1/registry", h.setRegistryHandler).Methods("POST")
	r.HandleFunc("/api/v1/registry", h.deleteRegistryHandler).Methods("DELETE")
	r.HandleFunc("/api/v1/stats", h.statsHandler).Methods("GET")
	r.HandleFunc("/api/v1/stats", h.resetStatsHandler).Methods("DELETE")
	r.HandleFunc("/api/v1/capture.pcap", h.captureHandler).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listRegistryHandler returns the global registry as JSON, or as the
// persisted YAML document with ?format=yaml.
func (h *Handler) listRegistryHandler(w http.ResponseWriter, r *http.Request) {
	reg := h.sniffy.Registry()
	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		if err := reg.Save(w, h.sniffy.Config().Registry.Persist); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode registry: %v", err), http.StatusInternalServerError)
		}
		return
	}

	entries := reg.Enumerate(r.Context())
	out := make([]EntryJSON, 0, len(entries))
	for _, e := range entries {
		rec := registry.ToRecord(e)
		out = append(out, EntryJSON{
			Kind: rec.Kind, Target: rec.Target, URL: rec.URL, Principal: rec.Principal,
			Status: rec.Status, Discovered: rec.Discovered,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// setRegistryHandler accepts one entry or a list of entries.
func (h *Handler) setRegistryHandler(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	var list []EntryJSON
	if err := json.Unmarshal(body, &list); err != nil {
		var one EntryJSON
		if err := json.Unmarshal(body, &one); err != nil {
			http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
			return
		}
		list = []EntryJSON{one}
	}

	entries := make([]registry.Entry, 0, len(list))
	for _, item := range list {
		e, err := registry.FromRecord(item.record())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		h.sniffy.Registry().SetStatus(r.Context(), e.Target, e.Status)
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteRegistryHandler removes one target given as ?target=host:port or
// ?url=...&principal=..., and clears the registry without parameters.
func (h *Handler) deleteRegistryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reg := h.sniffy.Registry()
	switch {
	case q.Has("target"):
		target, err := meta.ParseTarget(q.Get("target"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reg.Remove(r.Context(), target)
	case q.Has("url") || q.Has("principal"):
		reg.Remove(r.Context(), meta.DataSourceTarget(q.Get("url"), q.Get("principal")))
	default:
		reg.Clear(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

func grouping(by string) (meta.GroupingOptions, error) {
	switch by {
	case "", "target":
		return meta.GroupingOptions{}, nil
	case "connection":
		return meta.GroupingOptions{ByConnection: true}, nil
	case "trace":
		return meta.GroupingOptions{ByTrace: true}, nil
	case "thread":
		return meta.GroupingOptions{ByThread: true}, nil
	case "all":
		return meta.AllDimensions, nil
	}
	return meta.GroupingOptions{}, fmt.Errorf("unknown grouping %q", by)
}

// statsHandler lists totals grouped by ?group, slowest first, capped at
// ?limit or the configured top capacity.
func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g, err := grouping(q.Get("group"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := h.sniffy.Config().Sniffy.TopSQLCapacity
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	grouped := make(map[meta.Key]stats.Totals)
	for key, totals := range h.sniffy.Stats().All() {
		reduced := key.Reduce(g)
		grouped[reduced] = grouped[reduced].Add(totals)
	}
	out := make([]StatJSON, 0, len(grouped))
	for key, totals := range grouped {
		out = append(out, StatJSON{
			Target: key.Target.String(), ConnID: key.ConnID, Trace: key.Trace,
			ThreadID: key.Thread.ID, ThreadName: key.Thread.Name, Totals: totals,
		})
	}
	slices.SortFunc(out, func(a, b StatJSON) int {
		if c := cmp.Compare(b.Totals.Elapsed, a.Totals.Elapsed); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"global": h.sniffy.Stats().Global(),
		"stats":  out,
	})
}

func (h *Handler) resetStatsHandler(w http.ResponseWriter, r *http.Request) {
	h.sniffy.Stats().Reset()
	w.WriteHeader(http.StatusNoContent)
}

// captureHandler records traffic for ?duration (default 10s) and returns it
// as a pcap file. The capture ends early when the client goes away.
func (h *Handler) captureHandler(w http.ResponseWriter, r *http.Request) {
	if !h.sniffy.Config().Sniffy.CaptureTraffic {
		http.Error(w, "traffic capture is disabled", http.StatusConflict)
		return
	}
	duration := 10 * time.Second
	if v := r.URL.Query().Get("duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxCaptureDuration {
			http.Error(w, "invalid duration", http.StatusBadRequest)
			return
		}
		duration = d
	}

	sp := h.sniffy.Spy(r.Context(), spy.Options{CaptureTraffic: true})
	defer sp.Close()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	traffic := make(map[capture.ConnKey][]capture.Packet)
	for key, packets := range sp.Traffic(spy.Any, meta.GroupingOptions{ByConnection: true}) {
		conn := capture.ConnKey{Target: key.Target, ConnID: key.ConnID}
		traffic[conn] = append(traffic[conn], packets...)
	}

	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", `attachment; filename="sniffy.pcap"`)
	if err := capture.WritePcap(w, traffic); err != nil {
		slog.Error("failed to write pcap", "error", err)
	}
}
