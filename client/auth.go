package client

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	// the OAuth bearer token for the api and streaming connections
	AccessToken string
	AppVersion  string
}

// AccountId recovers the local account id from the access token when
// the server issues JWT tokens with a subject claim. opaque tokens
// return an error; callers fall back to verify_credentials.
func (self *ClientAuth) AccountId() (string, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(self.AccessToken, claims); err != nil {
		return "", err
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", errors.New("token has no subject claim")
}
