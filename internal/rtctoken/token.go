// Package rtctoken mints the join credentials for the real-time media
// network. A credential authorizes any bearer to publish and subscribe on
// one channel for a bounded window; it is deliberately not bound to a
// participant identity (the wildcard uid 0), so the initiator and the
// counterpart can share the same credential even though each joins with
// its own transient uid.
package rtctoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/curaline/telecare/internal/utils"
)

// WildcardUID is the sentinel identity encoded into every credential.
// Encoding a real uid would scope the credential to a single participant
// and break credential sharing between the two ends of a consultation.
const WildcardUID uint32 = 0

// TokenTTL is the fixed validity window of an issued credential. Expiry is
// enforced by the media network at join time, not re-validated locally.
const TokenTTL = time.Hour

const rolePublisher = "publisher"

// Credential is the issued join authorization for one channel.
type Credential struct {
	Token string `json:"credential"`
	UID   uint32 `json:"uid"`
	AppID string `json:"app_id"`
}

type claims struct {
	jwt.RegisteredClaims
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
}

// Issuer signs channel credentials with the application certificate.
// Stateless; safe for concurrent use.
type Issuer struct {
	appID   string
	appCert string
	now     func() time.Time
}

func NewIssuer(appID, appCertificate string) *Issuer {
	return &Issuer{appID: appID, appCert: appCertificate, now: time.Now}
}

// IssueCredential builds a signed, publisher-role, wildcard credential for
// channelName. Missing application secrets are a configuration fault and
// must reach the caller; they are never retried.
func (i *Issuer) IssueCredential(channelName string) (*Credential, error) {
	const op = "Issuer.IssueCredential"

	if channelName == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "channel name is required", nil)
	}
	if i.appID == "" || i.appCert == "" {
		return nil, utils.E(utils.CodeInternal, op, "rtc app id and certificate are not configured", nil)
	}

	issuedAt := i.now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(TokenTTL)),
		},
		AppID:   i.appID,
		Channel: channelName,
		UID:     WildcardUID,
		Role:    rolePublisher,
	}

	// HS256 is the keyed MAC over the structured payload; the application
	// certificate is the key.
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(i.appCert))
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to sign credential", err)
	}

	return &Credential{Token: signed, UID: WildcardUID, AppID: i.appID}, nil
}
