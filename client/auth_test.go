package client

import (
	"testing"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestClientAuthAccountId(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "42",
	})
	signed, err := token.SignedString([]byte("test-key"))
	assert.Equal(t, err, nil)

	auth := &ClientAuth{AccessToken: signed}
	accountId, err := auth.AccountId()
	assert.Equal(t, err, nil)
	assert.Equal(t, accountId, "42")
}

func TestClientAuthOpaqueToken(t *testing.T) {
	auth := &ClientAuth{AccessToken: "not-a-jwt"}
	_, err := auth.AccountId()
	assert.NotEqual(t, err, nil)
}
