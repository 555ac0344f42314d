// Package auth implements HTTP Digest challenge/verify for SIP requests,
// per RFC 3261 §22 and RFC 2617, built on the same digest library the
// reference corpus uses for SIP authentication.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/icholy/digest"

	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/sip"
)

const (
	nonceExpiry  = 5 * time.Minute
	defaultAlgo  = "MD5"
	opaqueValue  = "sipcore"
)

// Authenticator issues and verifies digest challenges against the
// Configuration Snapshot's user->password map. It keeps no record of which
// users exist beyond that map and takes care not to let a missing user
// short-circuit verification faster than a present one, so failures read
// identically at the wire-timing level regardless of cause.
type Authenticator struct {
	logger *slog.Logger
	nonces sync.Map // nonce -> issuedAt time.Time
}

// New builds an Authenticator.
func New(logger *slog.Logger) *Authenticator {
	return &Authenticator{logger: logger.With("component", "auth")}
}

// Challenge returns the WWW-Authenticate header value for a fresh 401.
// realm is the advertised server host (spec.md §4.3).
func (a *Authenticator) Challenge(realm string, algorithm string) string {
	nonce := a.newNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Opaque:    opaqueValue,
		Algorithm: algorithm,
		QOP:       []string{"auth"},
	}
	return chal.String()
}

// Result is the outcome of Verify.
type Result int

const (
	OK Result = iota
	Unauthorized
	StaleNonce
	BadCredentials
)

// Verify checks an Authorization header value against the Configuration
// Snapshot's credentials for method and digest-uri. Unknown users and
// wrong-password users both return BadCredentials, deliberately
// indistinguishable to the caller — per spec.md §4.3, unknown-user must not
// be disclosed via a different outcome or a faster/slower code path.
func (a *Authenticator) Verify(cfg *config.Config, method, authorizationHeader, realm string) Result {
	if authorizationHeader == "" {
		return Unauthorized
	}
	cred, err := digest.ParseCredentials(authorizationHeader)
	if err != nil {
		return BadCredentials
	}

	issuedAt, known := a.nonces.Load(cred.Nonce)
	if !known {
		return StaleNonce
	}
	if time.Since(issuedAt.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		return StaleNonce
	}

	algo := cred.Algorithm
	if algo == "" {
		algo = defaultAlgo
	}
	password, userKnown := cfg.Password(cred.Username)

	chal := digest.Challenge{
		Realm:     realm,
		Nonce:     cred.Nonce,
		Opaque:    opaqueValue,
		Algorithm: algo,
		QOP:       []string{"auth"},
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
		Cnonce:   cred.Cnonce,
		Count:    cred.Nc,
	})
	if err != nil {
		return BadCredentials
	}

	match := constantTimeEqual(cred.Response, expected.Response)
	if !userKnown || !match {
		return BadCredentials
	}

	a.nonces.Delete(cred.Nonce)
	return OK
}

// Sweep removes nonces older than nonceExpiry. Called from the timer wheel.
func (a *Authenticator) Sweep() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
}

func (a *Authenticator) newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return sip.GenerateTag()
	}
	return hex.EncodeToString(b)
}

// constantTimeEqual compares two strings in time independent of where they
// first differ, so a failed digest comparison does not leak the matching
// prefix length through timing.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
