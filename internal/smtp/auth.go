// Package smtp implements the inbound submission listener: an ESMTP server
// that accepts composed messages and hands each transaction to a Handler.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrAuthFailed is returned when credentials do not match.
var ErrAuthFailed = errors.New("authentication failed")

// ErrAuthMalformed is returned when a SASL response cannot be decoded.
var ErrAuthMalformed = errors.New("malformed authentication response")

// Authenticator checks AUTH PLAIN and AUTH LOGIN credentials against a single
// configured account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator. Authentication is disabled when
// either value is empty.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled reports whether clients must authenticate before MAIL FROM.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks a base64 AUTH PLAIN response of the form
// authzid NUL authcid NUL passwd. The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := decodeSASL(encoded)
	if err != nil {
		return err
	}

	fields := strings.SplitN(string(decoded), "\x00", 3)
	if len(fields) != 3 {
		return ErrAuthMalformed
	}
	return a.check([]byte(fields[1]), []byte(fields[2]))
}

// VerifyLogin checks the two base64 responses of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := decodeSASL(encodedUser)
	if err != nil {
		return err
	}
	pass, err := decodeSASL(encodedPass)
	if err != nil {
		return err
	}
	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username)
	passOK := subtle.ConstantTimeCompare(pass, a.password)
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}

func decodeSASL(encoded string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, ErrAuthMalformed
	}
	return decoded, nil
}
