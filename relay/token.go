package relay

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenClaims are read from a connection token for diagnostics only.
// The relay never trusts them for access decisions.
type TokenClaims struct {
	Subject   string
	ClientId  string
	RoomId    string
	ExpiresAt time.Time
}

func ParseTokenUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	jwt, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := jwt.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}

	if subject, err := claims.GetSubject(); err == nil {
		tokenClaims.Subject = subject
	}
	if clientId, ok := claims["client_id"].(string); ok {
		tokenClaims.ClientId = clientId
	}
	if roomId, ok := claims["room_id"].(string); ok {
		tokenClaims.RoomId = roomId
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		tokenClaims.ExpiresAt = expiresAt.Time
	}

	return tokenClaims, nil
}
