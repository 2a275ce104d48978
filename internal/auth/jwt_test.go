package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Issue(Identity{UserID: "prov_001", Kind: models.KindProvider}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "prov_001", id.UserID)
	assert.Equal(t, models.KindProvider, id.Kind)

	_, err = v.VerifyKind(tok, models.KindProvider)
	assert.NoError(t, err)
	_, err = v.VerifyKind(tok, models.KindCustomer)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret")
	other := NewVerifier("different")
	foreign, err := other.Issue(Identity{UserID: "c1", Kind: models.KindCustomer}, time.Hour)
	require.NoError(t, err)

	expired := NewVerifier("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(Identity{UserID: "c1", Kind: models.KindCustomer}, time.Hour)
	require.NoError(t, err)

	noKind, err := v.Issue(Identity{UserID: "c1"}, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "c1", "user_type": "customer"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":    "",
		"garbage":  "not-a-token",
		"foreign":  foreign,
		"expired":  old,
		"no kind":  noKind,
		"alg none": none,
	} {
		_, err := v.Verify(tok)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestFromBearer(t *testing.T) {
	assert.Equal(t, "abc", FromBearer("Bearer abc"))
	assert.Equal(t, "abc", FromBearer("bearer  abc "))
	assert.Empty(t, FromBearer("Basic abc"))
	assert.Empty(t, FromBearer(""))
}
