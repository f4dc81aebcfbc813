package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// sessionCookie is the web session cookie name.
const sessionCookie = "pvrd_session"

// CookieAuth issues and verifies web session tokens. The signing key is
// derived from the configured credentials salted with the hostname, so
// tokens do not transfer between hosts sharing a password.
type CookieAuth struct {
	key     []byte
	timeout time.Duration
	now     func() time.Time
}

// NewCookieAuth derives a cookie authenticator from credentials.
func NewCookieAuth(user, password string, timeout time.Duration) *CookieAuth {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	mac := hmac.New(sha256.New, []byte(host))
	mac.Write([]byte(user))
	mac.Write([]byte{0})
	mac.Write([]byte(password))
	return &CookieAuth{
		key:     mac.Sum(nil),
		timeout: timeout,
		now:     time.Now,
	}
}

// withClock overrides the time source, for tests.
func (a *CookieAuth) withClock(now func() time.Time) *CookieAuth {
	a.now = now
	return a
}

// Issue returns a signed token valid for the login timeout.
func (a *CookieAuth) Issue() string {
	expiry := strconv.FormatInt(a.now().Add(a.timeout).Unix(), 10)
	return expiry + "." + a.sign(expiry)
}

// Verify checks a token's signature and expiry in constant time.
func (a *CookieAuth) Verify(token string) bool {
	expiry, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	if !hmac.Equal([]byte(sig), []byte(a.sign(expiry))) {
		return false
	}
	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return false
	}
	return a.now().Before(time.Unix(unix, 0))
}

// Timeout returns the configured token lifetime.
func (a *CookieAuth) Timeout() time.Duration {
	return a.timeout
}

func (a *CookieAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.key)
	fmt.Fprint(mac, payload)
	return hex.EncodeToString(mac.Sum(nil))
}
