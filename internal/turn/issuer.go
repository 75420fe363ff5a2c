package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"desklink/internal/model"
)

// ErrNotConfigured means no relay secret is set; callers fall back to the
// public relay list.
var ErrNotConfigured = errors.New("relay secret not configured")

// Issuer derives coturn-compatible TURN REST credentials:
//
//	username = <unix_expiry>:<identity>
//	password = base64(hmac_sha1(secret, username))
//
// Any process holding the same secret can validate them; nothing is stored.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), now: now}
}

func (i *Issuer) Configured() bool { return i != nil && len(i.secret) > 0 }

func (i *Issuer) Issue(identity string, ttl time.Duration) (model.RelayCredential, error) {
	if !i.Configured() {
		return model.RelayCredential{}, ErrNotConfigured
	}
	if ttl < time.Second {
		return model.RelayCredential{}, errors.Newf("invalid ttl %s", ttl)
	}
	identity = sanitizeIdentity(identity)
	if identity == "" {
		return model.RelayCredential{}, errors.New("identity is required")
	}

	expiresAt := i.now().UTC().Unix() + int64(ttl/time.Second)
	username := strconv.FormatInt(expiresAt, 10) + ":" + identity
	return model.RelayCredential{
		Username:  username,
		Password:  sign(i.secret, username),
		ExpiresAt: expiresAt,
	}, nil
}

// coturn splits the username on ':' so the namespace separator is
// percent-encoded. '%' is encoded too, keeping distinct identities distinct.
var identityEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func sanitizeIdentity(identity string) string {
	return identityEscaper.Replace(strings.TrimSpace(identity))
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
