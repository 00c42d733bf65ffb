package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"rocket-collections/internal/metadata"
)

// ParseToken validates an HMAC-signed JWT and returns the session it
// describes. The subject becomes the session id and a "roles" claim, when
// present, the session roles. All claims are kept for access expressions.
func ParseToken(tokenStr, secret string) (*metadata.Session, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	var roles []string
	switch r := claims["roles"].(type) {
	case nil:
	case []any:
		for _, v := range r {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("roles claim must be a list of strings")
			}
			roles = append(roles, s)
		}
	case string:
		roles = []string{r}
	default:
		return nil, fmt.Errorf("roles claim must be a list of strings")
	}

	return &metadata.Session{ID: sub, Roles: roles, Claims: map[string]any(claims)}, nil
}
