package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newManager() *Manager {
	return NewManager(testSecret, 15*time.Minute, 7*24*time.Hour)
}

func TestTokenRoundTrip(t *testing.T) {
	m := newManager()

	pair, err := m.IssuePair("user-1", "s@example.edu", domain.RoleStudent)
	require.NoError(t, err)

	claims, err := m.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "s@example.edu", claims.Email)
	assert.Equal(t, domain.RoleStudent, claims.Role)
	assert.Equal(t, TokenTypeAccess, claims.Type)

	refresh, err := m.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, refresh.Type)
	assert.Equal(t, "user-1", refresh.Subject)
}

func TestTokenTypeMismatchRejected(t *testing.T) {
	m := newManager()
	pair, err := m.IssuePair("user-1", "s@example.edu", domain.RoleTeacher)
	require.NoError(t, err)

	_, err = m.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	_, err = m.VerifyRefresh(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	m := NewManager(testSecret, -time.Minute, -time.Minute)
	pair, err := m.IssuePair("user-1", "s@example.edu", domain.RoleStudent)
	require.NoError(t, err)

	_, err = m.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestWrongSecretRejected(t *testing.T) {
	pair, err := newManager().IssuePair("user-1", "s@example.edu", domain.RoleStudent)
	require.NoError(t, err)

	other := NewManager("another-secret-another-secret-00", 15*time.Minute, time.Hour)
	_, err = other.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestPasswordHashAndVerify(t *testing.T) {
	hash, err := HashPassword("Sup3rSecret")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	assert.True(t, VerifyPassword("Sup3rSecret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("Sup3rSecret")
	require.NoError(t, err)
	h2, err := HashPassword("Sup3rSecret")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	assert.False(t, VerifyPassword("anything", "not-a-hash"))
	assert.False(t, VerifyPassword("anything", "$argon2id$v=19$garbage"))
}
