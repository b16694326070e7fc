// Package devserver is an in-memory implementation of the /duo collection
// routes for local runs and end-to-end tests. It is not a production
// server: data lives only as long as the process.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/models"
)

// Validator rejects a record before it is stored. A non-nil error becomes
// a 422 response carrying the error text.
type Validator func(collection string, fields map[string]any) error

type collection struct {
	desc    models.CollectionDescriptor
	records map[string]map[string]any
	nextID  int64
}

// Server holds the collections and serves them over HTTP.
type Server struct {
	mu          sync.Mutex
	collections map[string]*collection
	validator   Validator
	lastVersion time.Time

	failStatus int
	failCount  int

	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithValidator installs a record validator.
func WithValidator(v Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for the given collections.
func New(descs []models.CollectionDescriptor, opts ...Option) *Server {
	s := &Server{
		collections: make(map[string]*collection, len(descs)),
		logger:      *logging.Get().Zerolog(),
		now:         time.Now,
	}
	for _, d := range descs {
		s.collections[d.Name] = &collection{desc: d, records: make(map[string]map[string]any)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next n write requests answer with status instead of
// being applied.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = n
	s.failStatus = status
}

// Len returns the number of records held for a collection.
func (s *Server) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return 0
	}
	return len(c.records)
}

// Seed stores a record directly, stamping its version.
func (s *Server) Seed(name string, fields map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}
	rec, _, err := s.insertLocked(c, fields)
	return rec, err
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.correlationMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/duo", func(r chi.Router) {
		r.Get("/", s.listCollections)
		r.Route("/{collection}", func(r chi.Router) {
			r.Get("/", s.list)
			r.Post("/", s.create)
			r.Get("/{id}", s.get)
			r.Put("/{id}", s.replace)
			r.Patch("/{id}", s.patch)
			r.Delete("/{id}", s.delete)
		})
	})
	return r
}

type contextKey string

const correlationIDKey contextKey = "correlationId"

// correlationMiddleware reads X-Correlation-ID, echoes it back and logs
// the request with it.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := s.logger.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": message})
}

// lookup resolves the collection URL parameter. Callers must hold s.mu.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*collection, bool) {
	name := chi.URLParam(r, "collection")
	c, ok := s.collections[name]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown collection %q", name))
		return nil, false
	}
	return c, true
}

// injectedFailure consumes one FailNext slot. Callers must hold s.mu.
func (s *Server) injectedFailure(w http.ResponseWriter) bool {
	if s.failCount <= 0 {
		return false
	}
	s.failCount--
	writeError(w, s.failStatus, "injected", http.StatusText(s.failStatus))
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body must be a JSON object")
		return nil, false
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, true
}

// stamp sets the version field to a strictly increasing RFC 3339 time.
// Callers must hold s.mu.
func (s *Server) stamp(c *collection, fields map[string]any) {
	v := s.now().UTC()
	if !v.After(s.lastVersion) {
		v = s.lastVersion.Add(time.Microsecond)
	}
	s.lastVersion = v
	fields[c.desc.VersionField] = v.Format(time.RFC3339Nano)
}

func (s *Server) validate(w http.ResponseWriter, c *collection, fields map[string]any) bool {
	if s.validator == nil {
		return true
	}
	if err := s.validator(c.desc.Name, fields); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return false
	}
	return true
}

// insertLocked stores a new record, assigning an integer key when the
// payload has none. Callers must hold s.mu.
func (s *Server) insertLocked(c *collection, fields map[string]any) (map[string]any, string, error) {
	rec := models.MergeFields(fields, nil)
	key, ok := models.KeyString(rec[c.desc.PrimaryKey])
	if !ok {
		c.nextID++
		rec[c.desc.PrimaryKey] = c.nextID
		key = strconv.FormatInt(c.nextID, 10)
	} else if _, exists := c.records[key]; exists {
		return nil, key, fmt.Errorf("%s %s already exists", c.desc.Name, key)
	} else if n, err := strconv.ParseInt(key, 10, 64); err == nil && n > c.nextID {
		c.nextID = n
	}
	s.stamp(c, rec)
	c.records[key] = rec
	return rec, key, nil
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.records[k])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	rec, ok := c.records[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok || s.injectedFailure(w) || !s.validate(w, c, body) {
		return
	}
	rec, key, err := s.insertLocked(c, body)
	if err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("collection", c.desc.Name).Str("id", key).Msg("record created")
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) replace(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, false)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, true)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, merge bool) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok || s.injectedFailure(w) {
		return
	}
	key := chi.URLParam(r, "id")
	existing, ok := c.records[key]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}

	rec := body
	if merge {
		rec = models.MergeFields(existing, body)
	}
	rec[c.desc.PrimaryKey] = existing[c.desc.PrimaryKey]
	if !s.validate(w, c, rec) {
		return
	}
	s.stamp(c, rec)
	c.records[key] = rec
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok || s.injectedFailure(w) {
		return
	}
	key := chi.URLParam(r, "id")
	if _, ok := c.records[key]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	delete(c.records, key)
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}
