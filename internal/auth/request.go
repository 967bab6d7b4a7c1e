package auth

import (
	"net/http"
	"strings"
)

// CredentialsFromRequest extracts credentials from an HTTP request. The
// token is taken from the "token" or "access_token" query parameter (browsers
// cannot set headers on WebSocket upgrades) or from an
// "Authorization: Bearer" header. The optional claimed id comes from the
// "userId" query parameter.
func CredentialsFromRequest(r *http.Request) Credentials {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		token = q.Get("access_token")
	}
	if token == "" {
		token = BearerToken(r.Header.Get("Authorization"))
	}
	return Credentials{Token: token, UserID: q.Get("userId")}
}

// BearerToken returns the token of a "Bearer <token>" header value, or "".
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
