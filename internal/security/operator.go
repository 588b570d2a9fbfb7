package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/noah-isme/pos-terminal/internal/common"
)

// OperatorToken requires state-changing requests to carry the terminal's
// shared operator token. The API listens on the till itself, so any page the
// till's browser opens could otherwise post tenders to it.
type OperatorToken struct {
	Header string
	Token  string
}

// Middleware rejects unsafe methods without a matching token. An empty Token
// disables the check.
func (o OperatorToken) Middleware(next http.Handler) http.Handler {
	headerName := strings.TrimSpace(o.Header)
	if headerName == "" {
		headerName = "X-Operator-Token"
	}
	want := strings.TrimSpace(o.Token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(r.Header.Get(headerName))
		if got == "" {
			common.JSONError(w, http.StatusForbidden, "OPERATOR_TOKEN_MISSING", "missing operator token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			common.JSONError(w, http.StatusForbidden, "OPERATOR_TOKEN_INVALID", "invalid operator token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
