package httpapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resumeClaims identify a session a client may reattach to.
type resumeClaims struct {
	jwt.RegisteredClaims
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

func issueResumeToken(secret []byte, sessionID, documentID, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		SessionID:  sessionID,
		DocumentID: documentID,
		UserID:     userID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseResumeToken(secret []byte, tokenString string) (*resumeClaims, error) {
	parser := jwt.NewParser(jwt.WithExpirationRequired())
	token, err := parser.ParseWithClaims(tokenString, &resumeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*resumeClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid resume token")
	}
	return claims, nil
}
