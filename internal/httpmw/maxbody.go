package httpmw

import (
	"net/http"
	"strconv"
)

// MaxBody caps the request body at limit bytes. A declared Content-Length
// over the limit is refused up front with 413 and the storefront JSON
// envelope; a body that only turns out too large while streaming fails the
// handler's read with *http.MaxBytesError.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	tooLarge := []byte(`{"success":false,"message":"Ukuran permintaan terlalu besar (maks ` +
		strconv.FormatInt(limit, 10) + ` byte)."}` + "\n")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Connection", "close")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = w.Write(tooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
