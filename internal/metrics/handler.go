package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Handler serves /metrics in Prometheus text format, adapted from the
// teacher's MetricsEndpointHandler: gather-then-encode through
// client_model/expfmt directly (rather than promhttp.Handler's opaque
// wrapper) with a short response cache so a burst of scrapes against a
// large clock table doesn't re-walk every collector each time.
type Handler struct {
	gatherer prometheus.Gatherer
	cacheTTL time.Duration

	mu     sync.Mutex
	cached []byte
	stamp  time.Time
}

// NewHandler builds a Handler over the default Prometheus registry with
// the given cache TTL (0 disables caching).
func NewHandler(cacheTTL time.Duration) *Handler {
	return &Handler{
		gatherer: prometheus.DefaultGatherer,
		cacheTTL: cacheTTL,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	if body, ok := h.fromCache(); ok {
		w.Write(body)
		return
	}

	families, err := h.gatherer.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("gather metrics: %v", err), http.StatusInternalServerError)
		return
	}

	body, err := encodeFamilies(families)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode metrics: %v", err), http.StatusInternalServerError)
		return
	}

	h.store(body)
	w.Write(body)
}

func (h *Handler) fromCache() ([]byte, bool) {
	if h.cacheTTL <= 0 {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached != nil && time.Since(h.stamp) < h.cacheTTL {
		return h.cached, true
	}
	return nil, false
}

func (h *Handler) store(body []byte) {
	if h.cacheTTL <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cached = body
	h.stamp = time.Now()
}

func encodeFamilies(families []*dto.MetricFamily) ([]byte, error) {
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
