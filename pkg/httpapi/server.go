// Package httpapi exposes the disk service over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

// UserHeader carries the caller's login, set by the platform ingress after
// token validation.
const UserHeader = "X-User"

var errUnauthorized = errors.New("unauthorized")

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts the login header injected by the platform
// ingress.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		return "", errUnauthorized
	}
	return user, nil
}

// Config holds the REST server settings.
type Config struct {
	Addr     string
	CertPath string // optional; empty serves plain HTTP
	KeyPath  string

	ClusterName    string
	AllowedOrigins []string
	Version        string
}

// Server serves the disk REST API.
type Server struct {
	cfg     Config
	service *disk.Service
	auth    Authenticator
}

// NewServer creates the REST server. A nil auth defaults to the ingress
// header authenticator.
func NewServer(service *disk.Service, auth Authenticator, cfg Config) *Server {
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &Server{cfg: cfg, service: service, auth: auth}
}

// Handler builds the full route table with CORS and version middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /api/v1/ping", s.handlePing)
	mux.HandleFunc("GET /api/v1/secured-ping", s.handleSecuredPing)
	mux.HandleFunc("POST /api/v1/disk", s.handleCreateDisk)
	mux.HandleFunc("GET /api/v1/disk", s.handleListDisks)
	mux.HandleFunc("GET /api/v1/disk/{disk}", s.handleGetDisk)
	mux.HandleFunc("DELETE /api/v1/disk/{disk}", s.handleDeleteDisk)
	return s.corsMiddleware(s.versionMiddleware(mux))
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Disk API listening on %s", s.cfg.Addr)
		if s.cfg.CertPath != "" {
			errCh <- server.ListenAndServeTLS(s.cfg.CertPath, s.cfg.KeyPath)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Service-Version", "platform-disk-api/"+s.cfg.Version)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			header := w.Header()
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Set("Access-Control-Allow-Headers", "*")
			header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("Pong"))
}

func (s *Server) handleSecuredPing(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	_, _ = w.Write([]byte("Secured Pong"))
}

func (s *Server) handleCreateDisk(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var payload diskRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := s.service.CreateDisk(r.Context(), req, user)
	if err != nil {
		s.writeDiskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, diskToPayload(created, s.cfg.ClusterName))
}

func (s *Server) handleListDisks(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	org, project, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	disks, err := s.service.GetAllDisks(r.Context(), org, project)
	if err != nil {
		s.writeDiskError(w, err)
		return
	}
	payload := make([]diskPayload, 0, len(disks))
	for _, d := range disks {
		payload = append(payload, diskToPayload(d, s.cfg.ClusterName))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGetDisk(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	found, err := s.resolveDisk(r)
	if err != nil {
		s.writeDiskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diskToPayload(found, s.cfg.ClusterName))
}

func (s *Server) handleDeleteDisk(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	found, err := s.resolveDisk(r)
	if err != nil {
		s.writeDiskError(w, err)
		return
	}
	if err := s.service.RemoveDisk(r.Context(), found); err != nil {
		s.writeDiskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveDisk looks the path element up as a disk id first, then as a disk
// name within the project.
func (s *Server) resolveDisk(r *http.Request) (*disk.Disk, error) {
	idOrName := r.PathValue("disk")
	org, project, err := scopeFromQuery(r)
	if err != nil {
		return nil, err
	}
	found, err := s.service.GetDisk(r.Context(), org, project, idOrName)
	if errors.Is(err, disk.ErrNotFound) {
		return s.service.GetDiskByName(r.Context(), idOrName, org, project)
	}
	return found, err
}

func scopeFromQuery(r *http.Request) (org, project string, err error) {
	project = r.URL.Query().Get("project_name")
	if project == "" {
		return "", "", errors.New("project_name query parameter is required")
	}
	org = disk.NormalizeOrg(r.URL.Query().Get("org_name"))
	return org, project, nil
}

func (s *Server) writeDiskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, disk.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, disk.ErrNameUsed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, disk.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, disk.ErrQuotaExceeded):
		limitGb := float64(s.service.StorageLimitPerProject()) / (1 << 30)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"code":        "over_limit",
			"description": fmt.Sprintf("Project exceeded storage size limit %g GB", limitGb),
		})
	default:
		klog.Errorf("Unexpected disk API error: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		klog.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
