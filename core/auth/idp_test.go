package auth

import (
	"errors"
	"testing"
	"time"

	"gama-ovr/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signAssertion(t *testing.T, secret string, claims IdentityClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func testVerifier() *IdentityVerifier {
	return NewIdentityVerifier(config.IdentityConfig{
		Secret:   "idp-secret",
		Issuer:   "hospital-idp",
		Audience: "ovr",
		GroupMap: map[string][]string{
			"Nurses":    {"employee"},
			"qi-team":   {"qi", "unknown-role"},
			"ovr-admin": {"admin"},
		},
	}, []string{"employee", "qi", "admin"})
}

func validClaims() IdentityClaims {
	now := time.Now()
	return IdentityClaims{
		Email:  " Nurse@Hospital.org ",
		Name:   "Night Nurse",
		Groups: []string{"nurses", "qi-team", "qi-team"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hospital-idp",
			Audience:  jwt.ClaimStrings{"ovr"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
}

func TestVerifyMapsGroupsToKnownRoles(t *testing.T) {
	v := testVerifier()
	id, err := v.Verify(signAssertion(t, "idp-secret", validClaims()))
	require.NoError(t, err)
	require.Equal(t, "nurse@hospital.org", id.Email)
	require.Equal(t, "Night Nurse", id.Name)
	require.Equal(t, []string{"employee", "qi"}, id.Roles)
	require.Equal(t, []string{"nurses", "qi-team"}, id.Groups)
}

func TestVerifyRejectsBadAssertions(t *testing.T) {
	v := testVerifier()

	wrongKey := signAssertion(t, "other", validClaims())
	_, err := v.Verify(wrongKey)
	require.True(t, errors.Is(err, ErrInvalidAssertion))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err = v.Verify(signAssertion(t, "idp-secret", expired))
	require.ErrorIs(t, err, ErrInvalidAssertion)

	noExp := validClaims()
	noExp.ExpiresAt = nil
	_, err = v.Verify(signAssertion(t, "idp-secret", noExp))
	require.ErrorIs(t, err, ErrInvalidAssertion)

	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"billing"}
	_, err = v.Verify(signAssertion(t, "idp-secret", wrongAud))
	require.ErrorIs(t, err, ErrInvalidAssertion)

	badEmail := validClaims()
	badEmail.Email = "not-an-email"
	_, err = v.Verify(signAssertion(t, "idp-secret", badEmail))
	require.ErrorIs(t, err, ErrInvalidAssertion)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestVerifierWithoutSecretRejectsEverything(t *testing.T) {
	v := NewIdentityVerifier(config.IdentityConfig{}, []string{"employee"})
	_, err := v.Verify(signAssertion(t, "idp-secret", validClaims()))
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestCSRFRoundTrip(t *testing.T) {
	token, err := GenerateCSRF("key", "sess-1")
	require.NoError(t, err)
	require.True(t, VerifyCSRF("key", "sess-1", token))
	require.False(t, VerifyCSRF("key", "sess-2", token))
	require.False(t, VerifyCSRF("other", "sess-1", token))
	require.False(t, VerifyCSRF("key", "sess-1", "garbage"))
}
