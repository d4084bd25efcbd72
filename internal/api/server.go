// Package api implements the broker's REST surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/utxodutch/dutchd/internal/admission"
	"github.com/utxodutch/dutchd/internal/engine"
	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/log"
	"github.com/utxodutch/dutchd/internal/metrics"
	"github.com/utxodutch/dutchd/internal/oracle"
)

// maxBodySize caps POST bodies at 1 MiB.
const maxBodySize = 1 << 20

// apiKeyHeader carries the admission credential.
const apiKeyHeader = "X-API-Key"

// Server is the HTTP API server. Start binds the listener and serves in
// the background; Stop shuts down gracefully.
type Server struct {
	addr        string
	store       *listing.Store
	chain       oracle.Chain
	admitter    *admission.Admitter
	apiKey      string
	corsOrigins []string

	server *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// New creates an API server. An empty apiKey disables admission: every
// POST /listings is rejected with 401 until a key is configured.
func New(addr string, store *listing.Store, chain oracle.Chain, admitter *admission.Admitter, apiKey string, corsOrigins []string) *Server {
	s := &Server{
		addr:        addr,
		store:       store,
		chain:       chain,
		admitter:    admitter,
		apiKey:      apiKey,
		corsOrigins: corsOrigins,
		logger:      log.API,
	}

	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.metricsMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/listings", s.handleListListings).Methods(http.MethodGet)
	r.HandleFunc("/listings", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}", s.handleGetListing).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}/current-psbt", s.handleCurrentPSBT).Methods(http.MethodGet)
	r.HandleFunc("/address/{addr}", s.handleAddress).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening and serving in a background goroutine. It
// returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	s.logger.Info().Str("addr", s.Addr()).Msg("API server started")
	return nil
}

// Addr returns the bound listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ── Handlers ────────────────────────────────────────────────────────

// handleHealth reports liveness. A dead node connection does not fail
// the endpoint; it is reported in the body so orchestrators keep the
// broker alive while operators see the problem.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	tip, err := s.chain.Tip(r.Context())
	if err == nil {
		resp.BitcoinConnected = true
		resp.TipHeight = tip
	} else {
		s.logger.Debug().Err(err).Msg("Health tip lookup failed")
	}

	counts, err := s.store.CountByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp.Listings = counts

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	statuses, err := listing.ParseStatusSet(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	listings, err := s.store.List(statuses)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listingsResponse{Listings: listings, Count: len(listings)})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing or invalid API key"))
		return
	}

	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	l := req.listing()
	id, err := s.admitter.Admit(r.Context(), l, req.Psbts)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	created, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, ok := s.fetchListing(w, r)
	if !ok {
		return
	}
	// Metadata only; the schedule is never exposed wholesale. Buyers get
	// exactly one step at a time through current-psbt.
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleCurrentPSBT(w http.ResponseWriter, r *http.Request) {
	l, ok := s.fetchListing(w, r)
	if !ok {
		return
	}

	tip, err := s.chain.Tip(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	rev, err := engine.Reveal(l, s.store, tip)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, revelationResponse{
		ListingID: l.ID,
		Status:    l.Status,
		Kind:      rev.Kind,
		Step:      rev.Step,
	})
}

// handleAddress lists listings where the address acts as seller
// (default) or buyer, optionally narrowed by status.
func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]

	role := r.URL.Query().Get("role")
	if role == "" {
		role = "seller"
	}
	if role != "seller" && role != "buyer" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("role must be seller or buyer, got %q", role))
		return
	}

	statuses, err := listing.ParseStatusSet(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	all, err := s.store.List(statuses)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	matched := make([]*listing.Listing, 0)
	for _, l := range all {
		switch role {
		case "seller":
			if l.Seller == addr {
				matched = append(matched, l)
			}
		case "buyer":
			if l.Recipient == addr {
				matched = append(matched, l)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, listingsResponse{Listings: matched, Count: len(matched)})
}

// fetchListing resolves the {id} path variable. On failure it has
// already written the error response.
func (s *Server) fetchListing(w http.ResponseWriter, r *http.Request) (*listing.Listing, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid listing id"))
		return nil, false
	}
	l, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return nil, false
	}
	return l, true
}

// authorized compares the presented API key in constant time. An empty
// configured key authorizes nothing.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return false
	}
	presented := r.Header.Get(apiKeyHeader)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.apiKey)) == 1
}

// ── Middleware & helpers ────────────────────────────────────────────

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+apiKeyHeader)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("code", code).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Int("code", code).Msg("Request rejected")
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}
