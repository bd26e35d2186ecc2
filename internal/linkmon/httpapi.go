package linkmon

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var linkFlapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_link_flap_total",
	Help: "Count of link up/down transitions observed by the link monitor.",
}, []string{"link"})

// linkStatusResponse is the JSON document returned by GET /.
type linkStatusResponse struct {
	Roles map[string][]linkStatusEntry `json:"roles"`
}

type linkStatusEntry struct {
	Name         string `json:"name"`
	Up           bool   `json:"up"`
	Severity     string `json:"severity"`
	LastChangeUs int64  `json:"last_change_us"`
}

// errorBody is the structured 404 body for malformed/unknown URIs.
type errorBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Router builds the mux.Router for the link-status query endpoint plus
// the ambient /metrics endpoint. Only GET is accepted on /; any other
// method is 405.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", m.handleStatus).Methods(http.MethodGet)
	r.PathPrefix("/metrics").Handler(promhttp.Handler())
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}

// LocalOnly rejects requests whose remote address is not loopback. No
// legitimate non-local caller exists for this endpoint, so non-local
// requests are dropped outright rather than rate-limited.
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(errorBody{Status: "fail", Reason: "entity not found"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := m.Snapshot()
	resp := linkStatusResponse{Roles: make(map[string][]linkStatusEntry, len(snap))}
	for role, links := range snap {
		entries := make([]linkStatusEntry, 0, len(links))
		for _, l := range links {
			entries = append(entries, linkStatusEntry{
				Name:         l.Name,
				Up:           l.Up,
				Severity:     string(l.Severity()),
				LastChangeUs: l.LastChangeUs,
			})
		}
		resp.Roles[string(role)] = entries
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(errorBody{Status: "fail", Reason: "entity not found"})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(errorBody{Status: "fail", Reason: "unsupported http command"})
}
