package auth

import (
	"crypto/md5"
	"fmt"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcore/proxy/internal/config"
)

func testLogger() *slog.Logger { return slog.Default() }

var nonceFromChallenge = regexp.MustCompile(`nonce="([^"]+)"`)

func extractNonce(t *testing.T, challenge string) string {
	t.Helper()
	m := nonceFromChallenge.FindStringSubmatch(challenge)
	require.Len(t, m, 2, "challenge must carry a quoted nonce: %s", challenge)
	return m[1]
}

func ha1(username, realm, password string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(username+":"+realm+":"+password)))
}

func ha2(method, uri string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(method+":"+uri)))
}

// digestResponse reproduces RFC 2617 qop=auth response computation so the
// test does not need to trust this package's own Challenge/Verify pairing
// for the expected value.
func digestResponse(username, realm, password, method, uri, nonce, cnonce, nc string) string {
	a1 := ha1(username, realm, password)
	a2 := ha2(method, uri)
	return fmt.Sprintf("%x", md5.Sum([]byte(a1+":"+nonce+":"+nc+":"+cnonce+":auth:"+a2)))
}

func TestAuthenticatorChallengeAndVerify(t *testing.T) {
	a := New(testLogger())
	cfg := &config.Config{Users: map[string]string{"alice": "secret"}}
	realm := "biloxi.com"

	challenge := a.Challenge(realm, "MD5")
	nonce := extractNonce(t, challenge)

	const uri = "sip:biloxi.com"
	const method = "REGISTER"
	const cnonce = "0a4f113b"
	const nc = "00000001"
	response := digestResponse("alice", realm, "secret", method, uri, nonce, cnonce, nc)

	authz := fmt.Sprintf(
		`Digest username="alice", realm="%s", nonce="%s", uri="%s", response="%s", cnonce="%s", nc=%s, qop=auth, algorithm=MD5`,
		realm, nonce, uri, response, cnonce, nc,
	)

	result := a.Verify(cfg, method, authz, realm)
	assert.Equal(t, OK, result)
}

func TestAuthenticatorRejectsUnknownUser(t *testing.T) {
	a := New(testLogger())
	cfg := &config.Config{Users: map[string]string{}}
	realm := "biloxi.com"

	challenge := a.Challenge(realm, "MD5")
	nonce := extractNonce(t, challenge)

	authz := fmt.Sprintf(
		`Digest username="mallory", realm="%s", nonce="%s", uri="sip:biloxi.com", response="deadbeef", cnonce="x", nc=00000001, qop=auth, algorithm=MD5`,
		realm, nonce,
	)
	assert.Equal(t, BadCredentials, a.Verify(cfg, "REGISTER", authz, realm))
}

func TestAuthenticatorRejectsStaleNonce(t *testing.T) {
	a := New(testLogger())
	cfg := &config.Config{Users: map[string]string{"alice": "secret"}}
	realm := "biloxi.com"

	authz := `Digest username="alice", realm="biloxi.com", nonce="never-issued", uri="sip:biloxi.com", response="x", cnonce="y", nc=00000001, qop=auth, algorithm=MD5`
	assert.Equal(t, StaleNonce, a.Verify(cfg, "REGISTER", authz, realm))
}

func TestAuthenticatorNonceConsumedAfterSuccess(t *testing.T) {
	a := New(testLogger())
	cfg := &config.Config{Users: map[string]string{"alice": "secret"}}
	realm := "biloxi.com"

	challenge := a.Challenge(realm, "MD5")
	nonce := extractNonce(t, challenge)

	const uri, method, cnonce, nc = "sip:biloxi.com", "REGISTER", "0a4f113b", "00000001"
	response := digestResponse("alice", realm, "secret", method, uri, nonce, cnonce, nc)
	authz := fmt.Sprintf(
		`Digest username="alice", realm="%s", nonce="%s", uri="%s", response="%s", cnonce="%s", nc=%s, qop=auth, algorithm=MD5`,
		realm, nonce, uri, response, cnonce, nc,
	)

	require.Equal(t, OK, a.Verify(cfg, method, authz, realm))
	// A replay of the identical Authorization header must fail: the nonce
	// was deleted on success.
	assert.Equal(t, StaleNonce, a.Verify(cfg, method, authz, realm))
}
