package testing

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
)

// ServerUpload is an upload held by Server.
type ServerUpload struct {
	Length   int64
	Metadata string
	Data     []byte
}

// Offset ...
func (u *ServerUpload) Offset() int64 {
	return int64(len(u.Data))
}

// RecordedRequest is a request received by Server.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Server is an in-memory tus 1.0 server for tests.
type Server struct {
	*httptest.Server

	// RelativeLocation makes creation responses carry a path instead of an absolute URL.
	RelativeLocation bool

	mu           sync.Mutex
	uploads      map[string]*ServerUpload
	nextID       int
	failures     []int
	acceptLimit  int64
	requests     []RecordedRequest
	headFailures []int
	droppedAcks  []int
}

// NewServer starts a Server. It is closed when the test finishes.
func NewServer(t interface {
	Helper()
	Cleanup(func())
}) *Server {
	t.Helper()

	s := &Server{uploads: map[string]*ServerUpload{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// CreationURL ...
func (s *Server) CreationURL() string {
	return s.URL + "/files/"
}

// FailPatches makes the next chunk requests answer with the given status codes, without storing data.
func (s *Server) FailPatches(statusCodes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statusCodes...)
}

// FailHeads makes the next offset requests answer with the given status codes.
func (s *Server) FailHeads(statusCodes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headFailures = append(s.headFailures, statusCodes...)
}

// DropAcknowledgements makes the next chunk requests store their data but answer with the given status codes,
// as if the response was lost on the way back.
func (s *Server) DropAcknowledgements(statusCodes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedAcks = append(s.droppedAcks, statusCodes...)
}

// AcceptAtMost makes the server store at most n bytes of every chunk. Zero means no limit.
func (s *Server) AcceptAtMost(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptLimit = n
}

// AddUpload registers an existing upload with the given data already received.
func (s *Server) AddUpload(length int64, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newIDLocked()
	s.uploads[id] = &ServerUpload{Length: length, Data: append([]byte(nil), data...)}
	return s.URL + "/files/" + id
}

// Upload returns the upload stored at url.
func (s *Server) Upload(url string) (*ServerUpload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[path.Base(url)]
	return u, ok
}

// Uploads returns the number of uploads created.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequestsWithMethod ...
func (s *Server) RequestsWithMethod(method string) []RecordedRequest {
	var filtered []RecordedRequest
	for _, r := range s.Requests() {
		if r.Method == method {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func (s *Server) newIDLocked() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	method := r.Method
	if override := r.Header.Get("X-HTTP-Method-Override"); override != "" && method == http.MethodPost {
		method = override
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, RecordedRequest{
		Method: method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})

	w.Header().Set("Tus-Resumable", "1.0.0")
	if r.Header.Get("Tus-Resumable") != "1.0.0" {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	switch method {
	case http.MethodPost:
		s.create(w, r)
	case http.MethodHead:
		s.head(w, r)
	case http.MethodPatch:
		s.patch(w, r, body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id := s.newIDLocked()
	s.uploads[id] = &ServerUpload{Length: length, Metadata: r.Header.Get("Upload-Metadata")}

	location := "/files/" + id
	if !s.RelativeLocation {
		location = s.URL + location
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) head(w http.ResponseWriter, r *http.Request) {
	if len(s.headFailures) > 0 {
		status := s.headFailures[0]
		s.headFailures = s.headFailures[1:]
		w.WriteHeader(status)
		return
	}

	upload, ok := s.uploads[path.Base(r.URL.Path)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Upload-Offset", strconv.FormatInt(upload.Offset(), 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(upload.Length, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, body []byte) {
	upload, ok := s.uploads[path.Base(r.URL.Path)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !strings.EqualFold(r.Header.Get("Content-Type"), "application/offset+octet-stream") {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		w.WriteHeader(status)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset != upload.Offset() {
		w.WriteHeader(http.StatusConflict)
		_, _ = fmt.Fprintf(w, "offset mismatch: %d", upload.Offset())
		return
	}
	if upload.Offset()+int64(len(body)) > upload.Length {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	if s.acceptLimit > 0 && int64(len(body)) > s.acceptLimit {
		body = body[:s.acceptLimit]
	}
	upload.Data = append(upload.Data, body...)

	if len(s.droppedAcks) > 0 {
		status := s.droppedAcks[0]
		s.droppedAcks = s.droppedAcks[1:]
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(upload.Offset(), 10))
	w.WriteHeader(http.StatusNoContent)
}
