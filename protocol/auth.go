package protocol

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried by the handshake credential
type ByJwt struct {
	UserId      string
	DisplayName string
}

// ParseByJwtUnverified extracts identity claims without verifying the
// signature. Signature verification happens at the deployment edge; the
// authority only needs the claims for provenance and presence labels.
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	if byJwtStr == "" {
		return nil, fmt.Errorf("missing jwt")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"]; ok {
		if userIdStr, ok := userId.(string); ok {
			byJwt.UserId = userIdStr
		}
	}
	if displayName, ok := claims["display_name"]; ok {
		if displayNameStr, ok := displayName.(string); ok {
			byJwt.DisplayName = displayNameStr
		}
	}

	return byJwt, nil
}

// SignByJwt mints a credential for tools and tests.
func SignByJwt(userId string, displayName string, secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      userId,
		"display_name": displayName,
	})
	return token.SignedString(secret)
}
