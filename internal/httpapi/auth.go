package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "drivesync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts both a JSON array and a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

type tokenClaims struct {
	TenantID string    `json:"tenant_id"`
	Scopes   scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

func (c tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader, jwtSecret, tenantID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if tenantID != "" && claims.TenantID != tenantID {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "tenant mismatch",
		}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims tokenClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: describeTokenError(err)}
	}
	if claims.TenantID == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing tenant_id claim"}
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func describeTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "invalid exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid token"
	}
}

// verifyDropboxSignature checks X-Dropbox-Signature, the hex HMAC-SHA256 of
// the raw body keyed with the app secret.
func verifyDropboxSignature(appSecret, signature string, body []byte) *authError {
	if appSecret == "" {
		return &authError{status: 401, code: "unauthorized", message: "dropbox webhooks are not configured"}
	}
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing dropbox signature"}
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "dropbox signature mismatch"}
	}
	return nil
}

func verifyChannelToken(expected, got string) *authError {
	if expected == "" {
		return &authError{status: 401, code: "unauthorized", message: "google drive webhooks are not configured"}
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "channel token mismatch"}
	}
	return nil
}
