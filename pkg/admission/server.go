package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"
)

// Server serves the mutating webhook over HTTPS.
type Server struct {
	mutator  *Mutator
	addr     string
	certPath string
	keyPath  string
}

// NewServer creates a webhook server listening on addr with the given TLS
// serving certificate.
func NewServer(mutator *Mutator, addr, certPath, keyPath string) *Server {
	return &Server{
		mutator:  mutator,
		addr:     addr,
		certPath: certPath,
		keyPath:  keyPath,
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /mutate", s.handleMutate)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Admission webhook listening on %s", s.addr)
		errCh <- srv.ListenAndServeTLS(s.certPath, s.keyPath)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down admission server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admission server failed: %w", err)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// handleMutate decodes an AdmissionReview, runs the mutator and writes the
// review back with the response set. Domain failures are reported inside the
// review with allowed=false; the HTTP status stays 200.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var in admissionv1.AdmissionReview
	if err := json.Unmarshal(body, &in); err != nil || in.Request == nil {
		http.Error(w, "malformed admission review", http.StatusBadRequest)
		return
	}

	resp := s.mutator.Mutate(r.Context(), in.Request)

	out := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: admissionv1.SchemeGroupVersion.String(),
			Kind:       "AdmissionReview",
		},
		Response: resp,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		klog.Errorf("Failed to write admission response: %v", err)
	}
}
