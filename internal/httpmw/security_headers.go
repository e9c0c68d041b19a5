package httpmw

import "net/http"

// No CSRF protection: the API keeps no cookies or sessions, and a proof
// upload is bound to its order by the order token, not ambient credentials.

// apiHeaders suit a JSON API: nothing it serves should ever render, frame
// or load subresources in a browser.
var apiHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), geolocation=(), microphone=(), payment=(), usb=()"},
	{"Cross-Origin-Resource-Policy", "same-site"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
}

// SecurityHeaders sets apiHeaders before the handler runs so they are on
// every response, errors and recovered panics included.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}
