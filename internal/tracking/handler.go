package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// transparent 1x1 GIF served on every open hit.
var beaconGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// OpenStore records first-open timestamps. MarkOpened must be a no-op when
// the tracking id already carries one; the existing timestamp is the dedupe
// guard.
type OpenStore interface {
	MarkOpened(ctx context.Context, trackingID string, at time.Time) error
}

// Handler serves the public open-beacon and click-redirect endpoints.
type Handler struct {
	codec   *Codec
	opens   OpenStore
	homeURL string
	clock   func() time.Time
	logger  *slog.Logger
	hits    *prometheus.CounterVec
}

// WithMetrics attaches the tracking-hit counter. Without it the handler
// serves hits without counting them.
func (h *Handler) WithMetrics(hits *prometheus.CounterVec) *Handler {
	h.hits = hits
	return h
}

func (h *Handler) countHit(kind string) {
	if h.hits != nil {
		h.hits.WithLabelValues(kind).Inc()
	}
}

func NewHandler(codec *Codec, opens OpenStore, homeURL string) *Handler {
	return &Handler{
		codec:   codec,
		opens:   opens,
		homeURL: homeURL,
		clock:   time.Now,
		logger:  slog.With("pipe", "tracking"),
	}
}

// Routes returns the /track sub-router. Both endpoints exist with and
// without the campaign id path segment, matching the URLs the codec builds.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open/{trackingID}", h.handleOpen)
	r.Get("/open/{campaignID}/{trackingID}", h.handleOpen)
	r.Get("/click/{trackingID}", h.handleClick)
	r.Get("/click/{campaignID}/{trackingID}", h.handleClick)
	return r
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	h.countHit("open")

	if err := h.opens.MarkOpened(r.Context(), trackingID, h.clock()); err != nil {
		h.logger.Error(fmt.Sprintf("failed to record open for %v: %v", trackingID, err))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(beaconGIF)
}

func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	trackingID := chi.URLParam(r, "trackingID")
	target := r.URL.Query().Get("u")
	signature := r.URL.Query().Get("sig")

	// A failed signature check or a non-http target redirects to the site
	// root instead of the submitted URL. The endpoint is public, so this is
	// the open-redirect defense.
	if !h.codec.Verify(campaignID, trackingID, target, signature) {
		h.logger.Warn(fmt.Sprintf("click signature mismatch for %v", trackingID))
		h.countHit("click_rejected")
		http.Redirect(w, r, h.homeURL, http.StatusFound)
		return
	}

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		h.logger.Warn(fmt.Sprintf("click target for %v is not http(s): %q", trackingID, target))
		h.countHit("click_rejected")
		http.Redirect(w, r, h.homeURL, http.StatusFound)
		return
	}

	h.countHit("click")
	http.Redirect(w, r, target, http.StatusFound)
}
