package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

var internalError = []byte(`{"success":false,"message":"Terjadi kesalahan server."}` + "\n")

// Recover turns a handler panic into a logged error and a 500 in the
// storefront envelope. onPanic may be nil; main counts panics with it.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// deliberate abort by net/http
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				ctx := r.Context()
				// Recover sits outside RequestID, the id is only on the response so far
				reqID := RequestIDFromContext(ctx)
				if reqID == "" {
					reqID = w.Header().Get("X-Request-Id")
				}
				logger.With(
					"request_id", reqID,
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(ctx, xerrors.WithStack(err), "handler panic recovered")

				if onPanic != nil {
					onPanic()
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write(internalError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
