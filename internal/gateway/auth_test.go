package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v := NewTokenVerifier("secret")

	token, err := v.Sign(&Claims{
		Username:         "alice",
		DisplayName:      "Alice",
		AvatarURL:        "https://cdn.example.com/alice.png",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "U1"},
	}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "U1", claims.Subject)

	profile := claims.Profile()
	assert.Equal(t, "U1", profile.ID)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, "Alice", profile.DisplayName)
}

func TestTokenVerifier_WrongSecret(t *testing.T) {
	token, err := NewTokenVerifier("one").Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "U1"},
	}, time.Hour)
	require.NoError(t, err)

	_, err = NewTokenVerifier("other").Verify(token)
	assert.Error(t, err)
}

func TestTokenVerifier_Expired(t *testing.T) {
	v := NewTokenVerifier("secret")
	token, err := v.Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "U1"},
	}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestTokenVerifier_MissingSubject(t *testing.T) {
	v := NewTokenVerifier("secret")
	token, err := v.Sign(&Claims{Username: "alice"}, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestTokenVerifier_RejectsNoneAlgorithm(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "U1"},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenVerifier("secret").Verify(token)
	assert.Error(t, err)
}
