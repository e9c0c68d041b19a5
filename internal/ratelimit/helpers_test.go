package ratelimit

import (
	"net/http"
	"net/http/httptest"

	"github.com/keithlinneman/topupstore/internal/httpmw"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// makeRequestWithIP posts an order as if httpmw.ClientIP had resolved ip.
// An empty ip leaves the context without a client address.
func makeRequestWithIP(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/order", http.NoBody)
	if ip != "" {
		req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
