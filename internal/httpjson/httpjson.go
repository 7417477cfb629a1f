// Package httpjson holds the strict JSON request/response helpers shared by
// every REST handler.
package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps JSON request bodies at 1 MiB.
const MaxBodyBytes = 1 << 20

// Decode reads a single JSON document from the request body into dst.
// Unknown fields, trailing data, and bodies over MaxBodyBytes are rejected.
// An empty body decodes to the zero value.
func Decode(ctx context.Context, r *http.Request, dst any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
		}
		return fmt.Errorf("invalid json: %w", err)
	}

	if dec.More() {
		return errors.New("invalid json: trailing data after document")
	}
	return nil
}

// Respond writes v as a JSON response with the given status.
func Respond(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}
