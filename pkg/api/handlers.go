package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.stack != nil {
		role, primary := s.stack.Role()
		resp.Unit = s.stack.LocalUnit()
		resp.Role = role.String()
		resp.PrimaryUnit = primary
	}
	if s.mgr != nil {
		st := s.mgr.Store()
		resp.InspectionActive = s.mgr.Mode()
		resp.StaticEntries = st.CountKind(binding.Static)
		resp.DynamicEntries = st.CountKind(binding.Dynamic)
		resp.Capacity = st.Capacity()
		resp.ThresholdCrossed = st.Crossed()
	}
	if s.pipe != nil {
		resp.QueueDepth = s.pipe.Len()
	}
	writeOK(w, resp)
}

// bindingsHandler lists bindings. ?kind=static|dynamic selects one set.
func (s *Server) bindingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "inspection manager not available")
		return
	}
	var kinds []binding.Kind
	switch r.URL.Query().Get("kind") {
	case "":
		kinds = []binding.Kind{binding.Static, binding.Dynamic}
	case "static":
		kinds = []binding.Kind{binding.Static}
	case "dynamic":
		kinds = []binding.Kind{binding.Dynamic}
	default:
		writeError(w, http.StatusBadRequest, "kind must be static or dynamic")
		return
	}
	out := []BindingEntry{}
	for _, k := range kinds {
		for _, bd := range s.mgr.Store().Snapshot(k) {
			out = append(out, BindingEntry{
				Switch: bd.SwitchID,
				Port:   bd.Port,
				VLAN:   bd.VID,
				MAC:    bd.MAC.String(),
				IP:     bd.IP.String(),
				Kind:   bd.Kind.String(),
				RuleID: uint32(bd.RuleID),
			})
		}
	}
	writeOK(w, out)
}

func (s *Server) stateHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "inspection manager not available")
		return
	}
	writeOK(w, s.mgr.State())
}

// eventsHandler returns recent events, newest first. Supports ?n=,
// ?action=, ?switch= and ?vlan= filters.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()
	n := 100
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	f := logging.EventFilter{Action: q.Get("action")}
	if v := q.Get("switch"); v != "" {
		sw, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid switch")
			return
		}
		f.SwitchID = sw
	}
	if v := q.Get("vlan"); v != "" {
		vid, err := strconv.ParseUint(v, 10, 12)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid vlan")
			return
		}
		f.VID = uint16(vid)
	}
	recs := s.eventBuf.LatestFiltered(n, f)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}

func (s *Server) leasesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.leases == nil {
		writeError(w, http.StatusServiceUnavailable, "DHCP snooping not available")
		return
	}
	leases := s.leases.Leases()
	out := make([]LeaseEntry, 0, len(leases))
	for _, l := range leases {
		out = append(out, LeaseEntry{
			Switch:  l.SwitchID,
			Port:    l.Port,
			VLAN:    l.VID,
			MAC:     binding.MAC(l.MAC).String(),
			IP:      l.IP.String(),
			Expires: l.Expires.Format(time.RFC3339),
		})
	}
	writeOK(w, out)
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	e := EventEntry{
		Time:   rec.Time.Format(time.RFC3339),
		Action: rec.Action,
		Switch: rec.SwitchID,
		Port:   rec.Port,
		VLAN:   rec.VID,
		MAC:    rec.MAC,
		Reason: rec.Reason,
	}
	if rec.IP.IsValid() {
		e.IP = rec.IP.String()
	}
	return e
}
