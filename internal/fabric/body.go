package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type bodyContextKey struct{}

// HardBodyLimit caps max_body_bytes regardless of configuration.
const HardBodyLimit = 50 << 20

// DefaultBodyLimit is used when no limit is configured.
const DefaultBodyLimit = 10 << 20

// ErrBodyTooLarge is returned when the request body exceeds the limit.
var ErrBodyTooLarge = errors.New("request body too large")

// ErrNoBody is returned by the accessors outside a cached-body request.
var ErrNoBody = errors.New("no cached request body in context")

type cachedBody struct {
	raw []byte
}

// CachedBody returns middleware that drains POST/PUT/PATCH bodies in a
// single read, stashes the bytes in request scope, and hands the
// handler chain a synthetic replay body. Downstream consumers read via
// BodyBytes/BodyString/BodyJSON instead of touching r.Body twice.
func CachedBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultBodyLimit
	}
	if maxBytes > HardBodyLimit {
		maxBytes = HardBodyLimit
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}

			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					writeBodyError(w, http.StatusRequestEntityTooLarge,
						"request_too_large",
						fmt.Sprintf("request body exceeds %d bytes", maxBytes))
					return
				}
				writeBodyError(w, http.StatusBadRequest, "body_read_failed", "failed to read request body")
				return
			}
			_ = r.Body.Close()

			ctx := context.WithValue(r.Context(), bodyContextKey{}, &cachedBody{raw: raw})
			r = r.WithContext(ctx)
			r.Body = io.NopCloser(bytes.NewReader(raw))

			next.ServeHTTP(w, r)
		})
	}
}

func writeBodyError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

// BodyBytes returns the cached raw body.
func BodyBytes(ctx context.Context) ([]byte, error) {
	cb, ok := ctx.Value(bodyContextKey{}).(*cachedBody)
	if !ok {
		return nil, ErrNoBody
	}
	return cb.raw, nil
}

// BodyString returns the cached body decoded as a string.
func BodyString(ctx context.Context) (string, error) {
	raw, err := BodyBytes(ctx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// BodyJSON decodes the cached body into v.
func BodyJSON(ctx context.Context, v interface{}) error {
	raw, err := BodyBytes(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
