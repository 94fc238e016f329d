package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/TheMichaelB/whsync/internal/transport"
)

// RecordedRequest is one request seen by a fake server.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type recorder struct {
	mu       sync.Mutex
	requests []RecordedRequest
}

func (r *recorder) record(req *http.Request) []byte {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, RecordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Header: req.Header.Clone(),
		Body:   body,
	})
	r.mu.Unlock()
	return body
}

// Requests returns a copy of the recorded requests.
func (r *recorder) Requests() []RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedRequest(nil), r.requests...)
}

// Count returns how many requests used method.
func (r *recorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.Method == method {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BlobServer is a custom upload/download endpoint pair.
type BlobServer struct {
	recorder
	*httptest.Server

	AuthHeader string
	AuthValue  string

	mu       sync.Mutex
	stored   []byte
	failures []int // statuses returned before succeeding
}

// NewBlobServer starts a server with POST /upload and GET /download.
func NewBlobServer(t *testing.T) *BlobServer {
	t.Helper()
	s := &BlobServer{}

	r := chi.NewRouter()
	r.Use(s.authorize)
	r.Post("/upload", func(w http.ResponseWriter, req *http.Request) {
		body := s.record(req)
		if status, ok := s.nextFailure(); ok {
			writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
			return
		}
		s.mu.Lock()
		s.stored = body
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/download", func(w http.ResponseWriter, req *http.Request) {
		s.record(req)
		if status, ok := s.nextFailure(); ok {
			writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
			return
		}
		s.mu.Lock()
		body := s.stored
		s.mu.Unlock()
		if body == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *BlobServer) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.AuthHeader != "" && req.Header.Get(s.AuthHeader) != s.AuthValue {
			s.record(req)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad credentials"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

// FailWith queues statuses answered before the next success.
func (s *BlobServer) FailWith(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func (s *BlobServer) nextFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	return status, true
}

// Store replaces the downloadable document.
func (s *BlobServer) Store(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = body
}

// Stored returns the last uploaded document.
func (s *BlobServer) Stored() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

// GistServer imitates the gist endpoints of the GitHub REST API.
type GistServer struct {
	recorder
	*httptest.Server

	// TruncateOver marks file content longer than this as truncated
	TruncateOver int

	mu     sync.Mutex
	gists  map[string]map[string]string // gist id -> filename -> content
	nextID int
}

// NewGistServer starts a fake gist API.
func NewGistServer(t *testing.T) *GistServer {
	t.Helper()
	s := &GistServer{gists: make(map[string]map[string]string)}

	r := chi.NewRouter()
	r.Post("/gists", s.create)
	r.Get("/gists/{id}", s.get)
	r.Patch("/gists/{id}", s.update)
	r.Get("/raw/{id}/{file}", s.raw)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

type gistPayload struct {
	Description string `json:"description"`
	Public      *bool  `json:"public"`
	Files       map[string]struct {
		Content string `json:"content"`
	} `json:"files"`
}

func (s *GistServer) decode(w http.ResponseWriter, req *http.Request) (*gistPayload, bool) {
	body := s.record(req)
	if req.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Requires authentication"})
		return nil, false
	}
	if req.Method == http.MethodGet {
		return nil, true
	}
	var p gistPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Problems parsing JSON"})
		return nil, false
	}
	return &p, true
}

func (s *GistServer) create(w http.ResponseWriter, req *http.Request) {
	p, ok := s.decode(w, req)
	if !ok {
		return
	}
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("gist%d", s.nextID)
	files := make(map[string]string, len(p.Files))
	for name, f := range p.Files {
		files[name] = f.Content
	}
	s.gists[id] = files
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "description": p.Description})
}

func (s *GistServer) update(w http.ResponseWriter, req *http.Request) {
	p, ok := s.decode(w, req)
	if !ok {
		return
	}
	id := chi.URLParam(req, "id")
	s.mu.Lock()
	files, exists := s.gists[id]
	if exists {
		for name, f := range p.Files {
			files[name] = f.Content
		}
	}
	s.mu.Unlock()

	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id})
}

func (s *GistServer) get(w http.ResponseWriter, req *http.Request) {
	if _, ok := s.decode(w, req); !ok {
		return
	}
	id := chi.URLParam(req, "id")
	s.mu.Lock()
	files, exists := s.gists[id]
	out := make(map[string]interface{}, len(files))
	for name, content := range files {
		f := map[string]interface{}{"content": content, "size": len(content)}
		if s.TruncateOver > 0 && len(content) > s.TruncateOver {
			f["content"] = content[:s.TruncateOver]
			f["truncated"] = true
			f["raw_url"] = s.URL + "/raw/" + id + "/" + name
		}
		out[name] = f
	}
	s.mu.Unlock()

	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "files": out})
}

func (s *GistServer) raw(w http.ResponseWriter, req *http.Request) {
	s.record(req)
	s.mu.Lock()
	content, ok := s.gists[chi.URLParam(req, "id")][chi.URLParam(req, "file")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, content)
}

// File returns the stored content of one gist file.
func (s *GistServer) File(id, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.gists[id][name]
	return content, ok
}

// Serve exposes p over HTTP at POST /graphql.
func (p *FakeProject) Serve(t *testing.T) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Post("/graphql", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		resp, err := p.Handler(&transport.Request{
			Method: req.Method,
			URL:    req.URL.String(),
			Header: req.Header.Clone(),
			Body:   body,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}
