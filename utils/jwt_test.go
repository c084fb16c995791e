package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesdash/models"
)

func TestJWT_MintAndParse(t *testing.T) {
	user := &models.User{TokenVersion: 3}
	user.ID = 11

	access, refresh, err := GenerateJWTToken(user, "test-secret")
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	claims, err := ParseJWTToken(access, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, uint(11), claims.UserID)
	assert.Equal(t, 3, claims.TokenVersion)
}

func TestJWT_WrongSecretRejected(t *testing.T) {
	user := &models.User{}
	user.ID = 11

	access, _, err := GenerateJWTToken(user, "test-secret")
	require.NoError(t, err)

	_, err = ParseJWTToken(access, "other-secret")
	assert.Error(t, err)
}
