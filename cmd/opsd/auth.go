package main

import (
	"crypto/subtle"
	"net/http"
)

// secretEqual compares secrets in constant time. An empty configured
// secret never matches.
func secretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// readAuth requires the read secret on every request.
func (s *server) readAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !secretEqual(r.Header.Get("X-OS-SECRET"), s.cfg.ReadSecret) {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-OS-SECRET", "AUTH")
			return
		}
		next(w, r)
	}
}

// writeAuth additionally requires the write secret. Either the current
// or the previous value is accepted, so secrets rotate without downtime.
func (s *server) writeAuth(next http.HandlerFunc) http.HandlerFunc {
	return s.readAuth(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-WRITE-SECRET")
		if !secretEqual(got, s.cfg.WriteSecretCurrent) && !secretEqual(got, s.cfg.WriteSecretPrevious) {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-WRITE-SECRET", "AUTH")
			return
		}
		next(w, r)
	})
}
