package rest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/store"
)

const maxIdempotencyKeyLen = 64

// idempotency replays recorded responses for mutations carrying an
// Idempotency-Key header. A replay with the same key and body returns the
// stored response; the same key with a different body conflicts, as does
// a key whose first request is still in flight.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		a := auth.FromContext(r.Context())
		if a == nil || a.OrgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			apierror.Respond(w, r, apierror.Validation("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			apierror.Respond(w, r, apierror.Validation("failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := requestHash(r.Method, r.URL.Path, body)

		rec, err := s.store.GetIdempotencyRecord(r.Context(), a.OrgID, key)
		switch {
		case err == nil && rec.RequestHash != hash:
			apierror.Respond(w, r, apierror.Conflict("Idempotency-Key %s was used with a different request", key))
			return
		case err == nil && rec.Status == store.IdempotencyInProgress:
			apierror.Respond(w, r, apierror.Conflict("request with Idempotency-Key %s is still in progress", key))
			return
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.ResponseStatus)
			_, _ = w.Write(rec.ResponseBody)
			return
		case !errors.Is(err, store.ErrNotFound):
			apierror.Respond(w, r, apierror.Internal(err))
			return
		}

		err = s.store.InsertIdempotencyRecord(r.Context(), &store.IdempotencyRecord{
			Key:         key,
			OrgID:       a.OrgID,
			Status:      store.IdempotencyInProgress,
			RequestHash: hash,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				apierror.Respond(w, r, apierror.Conflict("request with Idempotency-Key %s is still in progress", key))
				return
			}
			apierror.Respond(w, r, apierror.Internal(err))
			return
		}

		rw := &recordingWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)

		if err := s.store.CompleteIdempotencyRecord(r.Context(), a.OrgID, key, rw.status(), rw.body.Bytes()); err != nil {
			s.logger.Warn("failed to complete idempotency record", "key", key, "error", err)
		}
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recordingWriter captures the response so it can be stored for replay.
type recordingWriter struct {
	http.ResponseWriter
	code int
	body bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
