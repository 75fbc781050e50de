package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/config"
	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/query"
	"github.com/JakeFAU/carharvest/internal/storage/postgres"
)

// Querier answers the read-side questions; query.Service implements it.
type Querier interface {
	Listings(ctx context.Context, f query.ListingFilter) ([]postgres.ListingRow, error)
	DealersWithin(ctx context.Context, zip string, miles float64) ([]query.DealerDistance, error)
	Attributes(ctx context.Context, selectors []query.YMMT) ([]postgres.AttrRow, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// maxSelectors bounds one attribute lookup.
const maxSelectors = 500

// Server wires HTTP handlers to the query service.
type Server struct {
	router chi.Router
	query  Querier
	ready  Pinger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be
// nil, in which case /readyz always succeeds.
func NewServer(q Querier, ready Pinger, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		query:  q,
		ready:  ready,
		logger: logger.Named("api"),
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/listings", s.listings)
		r.Get("/dealers", s.dealers)
		r.Post("/attributes", s.attributes)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listings(w http.ResponseWriter, r *http.Request) {
	f, err := parseListingFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.query.Listings(r.Context(), f)
	if err != nil {
		s.queryError(w, "listings", err)
		return
	}
	out := make([]listingJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toListingJSON(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out, "count": len(out)})
}

func (s *Server) dealers(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	zip := v.Get("zip")
	if zip == "" {
		writeError(w, http.StatusBadRequest, "zip required")
		return
	}
	miles, err := floatParam(v, "miles")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := s.query.DealersWithin(r.Context(), zip, miles)
	if err != nil {
		s.queryError(w, "dealers", err)
		return
	}
	out := make([]dealerJSON, 0, len(found))
	for _, d := range found {
		out = append(out, dealerJSON{ID: d.ID, Name: d.Name, Zip: d.Zip, Lat: d.Lat, Lon: d.Lon, Miles: d.Miles})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dealers": out, "count": len(out)})
}

func (s *Server) attributes(w http.ResponseWriter, r *http.Request) {
	var req []ymmtJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "selectors required")
		return
	}
	if len(req) > maxSelectors {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d selectors", maxSelectors))
		return
	}
	selectors := make([]query.YMMT, len(req))
	for i, y := range req {
		selectors[i] = query.YMMT{Year: y.Year, Make: y.Make, Model: y.Model, TrimSlug: y.TrimSlug}
	}
	rows, err := s.query.Attributes(r.Context(), selectors)
	if err != nil {
		s.queryError(w, "attributes", err)
		return
	}
	out := make([]attrJSON, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAttrJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": out, "count": len(out)})
}

func (s *Server) queryError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, query.ErrUnknownZip):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "query timed out")
	default:
		s.logger.Error("query failed", zap.String("query", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
	}
}

func parseListingFilter(v url.Values) (query.ListingFilter, error) {
	var (
		f   query.ListingFilter
		err error
	)
	ints := []struct {
		name string
		dst  *int
	}{
		{"year_min", &f.YearMin}, {"year_max", &f.YearMax},
		{"mileage_min", &f.MileageMin}, {"mileage_max", &f.MileageMax},
		{"limit", &f.Limit},
	}
	for _, p := range ints {
		if *p.dst, err = intParam(v, p.name); err != nil {
			return f, err
		}
	}
	floats := []struct {
		name string
		dst  *float64
	}{
		{"price_min", &f.PriceMin}, {"price_max", &f.PriceMax},
		{"mpg_min", &f.MPGMin}, {"mpg_max", &f.MPGMax},
	}
	for _, p := range floats {
		if *p.dst, err = floatParam(v, p.name); err != nil {
			return f, err
		}
	}
	for _, raw := range v["dealer"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("dealer must be an integer id")
		}
		f.DealerIDs = append(f.DealerIDs, id)
	}
	if zip := v.Get("zip"); zip != "" {
		miles, err := floatParam(v, "miles")
		if err != nil {
			return f, err
		}
		f.Near = &query.Near{Zip: zip, Miles: miles}
	}
	return f, nil
}

func intParam(v url.Values, name string) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func floatParam(v url.Values, name string) (float64, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return f, nil
}

type ymmtJSON struct {
	Year     int    `json:"year"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	TrimSlug string `json:"trim_slug"`
}

type historyJSON struct {
	Accident    bool  `json:"accident"`
	FrameDamage bool  `json:"frame_damage"`
	Salvage     bool  `json:"salvage"`
	Lemon       bool  `json:"lemon"`
	Theft       bool  `json:"theft"`
	Owners      uint8 `json:"owners"`
	Fleet       bool  `json:"fleet"`
	Rental      bool  `json:"rental"`
}

type listingJSON struct {
	ID            int64        `json:"id"`
	Source        string       `json:"source"`
	VIN           string       `json:"vin"`
	FirstSeen     int64        `json:"first_seen"`
	LastSeen      int64        `json:"last_seen"`
	Mileage       int          `json:"mileage"`
	Price         float64      `json:"price"`
	InteriorColor string       `json:"interior_color,omitempty"`
	ExteriorColor string       `json:"exterior_color,omitempty"`
	History       *historyJSON `json:"history,omitempty"`
	DealerID      int64        `json:"dealer_id"`
	AttrsID       int64        `json:"attrs_id"`
	Year          int          `json:"year"`
	Make          string       `json:"make"`
	Model         string       `json:"model"`
	Style         string       `json:"style"`
	TrimSlug      string       `json:"trim_slug"`
	MPG           float64      `json:"mpg"`
}

func toListingJSON(r postgres.ListingRow) listingJSON {
	out := listingJSON{
		ID:            r.ID,
		Source:        string(r.Source),
		VIN:           r.VIN,
		FirstSeen:     r.FirstSeen,
		LastSeen:      r.LastSeen,
		Mileage:       r.Mileage,
		Price:         r.Price,
		InteriorColor: r.InteriorColor,
		ExteriorColor: r.ExteriorColor,
		DealerID:      r.DealerID,
		AttrsID:       r.AttrsID,
		Year:          r.Year,
		Make:          r.Make,
		Model:         r.Model,
		Style:         r.Style,
		TrimSlug:      r.TrimSlug,
		MPG:           r.MPG,
	}
	if h := r.History; h != nil {
		out.History = &historyJSON{
			Accident:    h.Accident,
			FrameDamage: h.FrameDamage,
			Salvage:     h.Salvage,
			Lemon:       h.Lemon,
			Theft:       h.Theft,
			Owners:      h.Owners,
			Fleet:       h.Fleet,
			Rental:      h.Rental,
		}
	}
	return out
}

type dealerJSON struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Zip   string  `json:"zip"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Miles float64 `json:"miles"`
}

type attrJSON struct {
	ID         int64  `json:"id"`
	Year       int    `json:"year"`
	Make       string `json:"make"`
	Model      string `json:"model"`
	Style      string `json:"style"`
	TrimSlug   string `json:"trim_slug"`
	MPGCity    int    `json:"mpg_city"`
	MPGHwy     int    `json:"mpg_hwy"`
	Fuel       string `json:"fuel_type"`
	IsAuto     bool   `json:"is_auto"`
	Drivetrain string `json:"drivetrain"`
	Body       string `json:"body"`
	Engine     string `json:"engine,omitempty"`
	Source     string `json:"source,omitempty"`
}

func toAttrJSON(a postgres.AttrRow) attrJSON {
	return attrJSON{
		ID:         a.ID,
		Year:       a.Year,
		Make:       a.Make,
		Model:      a.Model,
		Style:      a.Style,
		TrimSlug:   a.TrimSlug,
		MPGCity:    a.MPGCity,
		MPGHwy:     a.MPGHwy,
		Fuel:       string(a.Fuel),
		IsAuto:     a.IsAuto,
		Drivetrain: string(a.Drivetrain),
		Body:       string(a.Body),
		Engine:     a.Engine,
		Source:     string(a.Source),
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
