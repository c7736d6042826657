package accesstoken

import (
	"testing"
	"time"

	"codemarket-backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, ttl time.Duration) (*Service, *time.Time) {
	s, err := NewService([]byte("test-secret"), ttl)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	return s, &now
}

func TestIssueVerify(t *testing.T) {
	s, _ := newTestService(t, 15*time.Minute)
	tok, err := s.Issue("p1", "0xbuyer")
	require.NoError(t, err)

	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "p1", claims.PurchaseID)
	assert.Equal(t, "0xbuyer", claims.Buyer)
	assert.Len(t, claims.Nonce, 32)
}

func TestIssue_NonceMakesTokensDistinct(t *testing.T) {
	s, _ := newTestService(t, 0)
	a, err := s.Issue("p1", "b")
	require.NoError(t, err)
	b, err := s.Issue("p1", "b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerify_Tampered(t *testing.T) {
	s, _ := newTestService(t, 0)
	tok, err := s.Issue("p1", "b")
	require.NoError(t, err)

	raw := []byte(tok)
	if raw[10] == 'A' {
		raw[10] = 'B'
	} else {
		raw[10] = 'A'
	}
	_, err = s.Verify(string(raw))
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)

	_, err = s.Verify("")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	_, err = s.Verify("%%%")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestVerify_OtherSecret(t *testing.T) {
	s, _ := newTestService(t, 0)
	tok, err := s.Issue("p1", "b")
	require.NoError(t, err)

	other, err := NewService([]byte("other-secret"), 0)
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestVerify_Expiry(t *testing.T) {
	s, now := newTestService(t, 15*time.Minute)
	tok, err := s.Issue("p1", "b")
	require.NoError(t, err)

	*now = now.Add(15 * time.Minute)
	_, err = s.Verify(tok)
	assert.NoError(t, err)

	*now = now.Add(time.Second)
	claims, err := s.Verify(tok)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
	assert.Equal(t, "p1", claims.PurchaseID)
}

func TestVerify_ZeroTTLNeverExpires(t *testing.T) {
	s, now := newTestService(t, 0)
	tok, err := s.Issue("p1", "b")
	require.NoError(t, err)
	*now = now.Add(365 * 24 * time.Hour)
	_, err = s.Verify(tok)
	assert.NoError(t, err)
}
