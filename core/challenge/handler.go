package challenge

import (
	"errors"
	"net/http"
	"strings"
)

// IsChallengeRequest reports whether the request targets the ACME HTTP-01
// well-known path. The caller must route matching requests to Handler before
// any proxying, in every proxy mode.
func IsChallengeRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, WellKnownPrefix)
}

// Handler serves challenge proofs over plain HTTP. Content is served without
// authentication: correctness relies on only the issuer and the agent
// knowing the token-to-proof mapping.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		token := strings.TrimPrefix(r.URL.Path, WellKnownPrefix)
		proof, err := s.Proof(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrTokenNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(proof)
	})
}
