package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Handler builds the proxy's HTTP surface: the forwarding route under
// /api/campaigns, and the /health and /status introspection routes.
type Handler struct {
	prober *Prober
	log    *logrus.Entry
}

// NewHandler wires a Handler over a running Prober.
func NewHandler(prober *Prober, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{prober: prober, log: log.WithField("component", "proxy.handler")}
}

// Router assembles the full mux.Router for the proxy binary.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/api/campaigns").HandlerFunc(h.forward)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	return r
}

// forward strips the /api/campaigns prefix and forwards ANY method to
// <active>/campaigns/<path>, selecting the active upstream at call-start so
// a cutover mid-flight never changes a request already in progress.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	active := h.prober.Active()
	target, err := url.Parse(active.url())
	if err != nil {
		http.Error(w, "proxy: invalid upstream configuration", http.StatusInternalServerError)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = "/campaigns" + strings.TrimPrefix(req.URL.Path, "/api/campaigns")
		req.Header.Del("Connection")
	}
	rp.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		h.log.WithError(err).WithField("upstream", active.name).Warn("proxy: forward failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{
			"error":    "upstream unavailable",
			"upstream": active.name,
		})
	}
	rp.ServeHTTP(w, r)
}

type upstreamStatus struct {
	Name                 string `json:"name"`
	Healthy              bool   `json:"healthy"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
}

func describe(u *upstream) upstreamStatus {
	healthy, failures, successes := u.snapshot()
	return upstreamStatus{Name: u.name, Healthy: healthy, ConsecutiveFailures: failures, ConsecutiveSuccesses: successes}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	primary := describe(h.prober.primary)
	replica := describe(h.prober.replica)
	overall := primary.Healthy || replica.Healthy

	w.Header().Set("Content-Type", "application/json")
	if !overall {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":  overall,
		"primary":  primary,
		"replica":  replica,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	active := h.prober.Active()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"active":  active.name,
		"primary": describe(h.prober.primary),
		"replica": describe(h.prober.replica),
	})
}
