package rtctoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaline/telecare/internal/utils"
)

const (
	testAppID = "app-id"
	testCert  = "app-certificate"
)

// parseCredential verifies the credential as of a given instant, so tests
// pinning the issuer clock stay green regardless of when they run.
func parseCredential(t *testing.T, token string, at time.Time) *claims {
	t.Helper()
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(tok *jwt.Token) (any, error) {
		return []byte(testCert), nil
	}, jwt.WithTimeFunc(func() time.Time { return at }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	return &c
}

func TestIssueCredentialWildcardUID(t *testing.T) {
	issuer := NewIssuer(testAppID, testCert)

	for _, channel := range []string{"consult-a", "consult-b", "consult-c"} {
		cred, err := issuer.IssueCredential(channel)
		require.NoError(t, err)

		assert.Equal(t, WildcardUID, cred.UID)
		assert.Equal(t, testAppID, cred.AppID)

		c := parseCredential(t, cred.Token, time.Now())
		assert.Equal(t, WildcardUID, c.UID)
		assert.Equal(t, channel, c.Channel)
		assert.Equal(t, rolePublisher, c.Role)
		assert.Equal(t, testAppID, c.AppID)
	}
}

func TestIssueCredentialExpiry(t *testing.T) {
	issuedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	issuer := NewIssuer(testAppID, testCert)
	issuer.now = func() time.Time { return issuedAt }

	cred, err := issuer.IssueCredential("consult-x")
	require.NoError(t, err)

	c := parseCredential(t, cred.Token, issuedAt)
	assert.Equal(t, issuedAt, c.IssuedAt.Time.UTC())
	assert.Equal(t, issuedAt.Add(TokenTTL), c.ExpiresAt.Time.UTC())
}

func TestIssueCredentialExpiryTracksIssueTime(t *testing.T) {
	clock := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	issuer := NewIssuer(testAppID, testCert)
	issuer.now = func() time.Time { return clock }

	var prev time.Time
	for i := 0; i < 3; i++ {
		cred, err := issuer.IssueCredential("consult-x")
		require.NoError(t, err)

		exp := parseCredential(t, cred.Token, clock).ExpiresAt.Time.UTC()
		assert.True(t, exp.After(prev), "later credential must expire later")
		prev = exp
		clock = clock.Add(time.Minute)
	}
}

func TestIssueCredentialEmptyChannel(t *testing.T) {
	issuer := NewIssuer(testAppID, testCert)

	cred, err := issuer.IssueCredential("")
	assert.Nil(t, cred)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
}

func TestIssueCredentialMissingSecrets(t *testing.T) {
	for _, issuer := range []*Issuer{
		NewIssuer("", testCert),
		NewIssuer(testAppID, ""),
	} {
		cred, err := issuer.IssueCredential("consult-x")
		assert.Nil(t, cred)
		assert.True(t, utils.IsCode(err, utils.CodeInternal))
	}
}
