package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := GenerateJWT(secret, "42", "a@b.c", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, "a@b.c", claims.Email)
}

func TestJWT_Rejects(t *testing.T) {
	secret := []byte("test-secret")

	expired, err := GenerateJWT(secret, "42", "a@b.c", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateJWT(expired, secret)
	assert.Error(t, err)

	good, err := GenerateJWT(secret, "42", "a@b.c", time.Hour)
	require.NoError(t, err)
	_, err = ValidateJWT(good, []byte("other"))
	assert.Error(t, err)

	_, err = ValidateJWT(good, nil)
	assert.Error(t, err)
}
