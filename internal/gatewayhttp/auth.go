package gatewayhttp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/ccgateway/internal/apierror"
)

// credential extracts the raw bearer token from the Authorization
// header. Callers must hash it with sessionstore.Fingerprint before
// storing or logging it; the raw value never leaves this function's
// caller without being hashed.
func credential(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return "", apierror.AuthError("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apierror.AuthError("Authorization header must use Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", apierror.AuthError("empty bearer token")
	}
	return token, nil
}

// fingerprint hashes a raw credential the same way sessionstore.Fingerprint
// does, kept local to avoid every handler importing sessionstore just for
// this one function.
func fingerprint(cred string) string {
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:])
}
