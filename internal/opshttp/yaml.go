package opshttp

import (
	"net/http"

	"gopkg.in/yaml.v3"
)

// YAMLHandler renders snapshot() as YAML on every request, for state an
// operator wants to read back, like the proof rules after a hot reload
func YAMLHandler(snapshot func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := yaml.Marshal(snapshot())
		if err != nil {
			http.Error(w, "encode: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(out)
	})
}
