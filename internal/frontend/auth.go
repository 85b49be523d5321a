// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package frontend

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/ratelimit"
	"github.com/juju/utils/v4"
)

const (
	// loginBucketCapacity and loginRefillInterval bound password
	// guessing per session: three tries up front, one more every ten
	// seconds.
	loginBucketCapacity = 3
	loginRefillInterval = 10 * time.Second
)

// Authenticator guards session attach with a salted password hash. An
// empty hash means authentication is disabled. The attempt bucket is
// shared across sessions, so reconnecting does not buy fresh tries.
type Authenticator struct {
	bucket *ratelimit.Bucket

	mu   sync.Mutex
	hash string
	salt string
}

// NewAuthenticator returns an authenticator backed by the given
// credentials, both empty when no password is set.
func NewAuthenticator(hash, salt string) *Authenticator {
	return &Authenticator{
		bucket: ratelimit.NewBucket(loginRefillInterval, loginBucketCapacity),
		hash:   hash,
		salt:   salt,
	}
}

// AllowAttempt reports whether another login attempt may be made.
// Each call drains one token.
func (a *Authenticator) AllowAttempt() bool {
	return a.bucket.TakeAvailable(1) > 0
}

// Enabled reports whether sessions must log in.
func (a *Authenticator) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hash != ""
}

// Check reports whether the password matches the stored credentials.
func (a *Authenticator) Check(password string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hash == "" {
		return true
	}
	return utils.UserPasswordHash(password, a.salt) == a.hash
}

// SetPassword replaces the stored credentials and returns the new
// hash and salt for persistence. An empty password disables
// authentication.
func (a *Authenticator) SetPassword(password string) (hash, salt string, err error) {
	if password == "" {
		a.mu.Lock()
		a.hash, a.salt = "", ""
		a.mu.Unlock()
		return "", "", nil
	}
	salt, err = utils.RandomSalt()
	if err != nil {
		return "", "", errors.Trace(err)
	}
	hash = utils.UserPasswordHash(password, salt)
	a.mu.Lock()
	a.hash, a.salt = hash, salt
	a.mu.Unlock()
	return hash, salt, nil
}

// Credentials returns the stored hash and salt.
func (a *Authenticator) Credentials() (hash, salt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hash, a.salt
}
