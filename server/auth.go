package server

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/texie/texie/utils"
)

const (
	NonceLength     = 32
	SecretCacheSize = 1024
	nonceAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// SecretSource resolves an account's shared secret. It should return
// an error for unknown accounts.
type SecretSource interface {
	Secret(account string) (string, error)
}

// AuthBroker issues challenge nonces and verifies digests against
// account secrets. Secrets are cached so the hot path of repeated
// reconnects does not hit the backing store every time.
type AuthBroker struct {
	log     utils.Logger
	source  SecretSource
	secrets *lru.Cache[string, string]
}

func NewAuthBroker(log utils.Logger, source SecretSource) (*AuthBroker, error) {
	cache, err := lru.New[string, string](SecretCacheSize)
	if err != nil {
		return nil, err
	}
	return &AuthBroker{log: log, source: source, secrets: cache}, nil
}

// NewNonce returns a fresh random challenge of letters and digits.
func (b *AuthBroker) NewNonce() string {
	var raw [NonceLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	for i, c := range raw {
		raw[i] = nonceAlphabet[int(c)%len(nonceAlphabet)]
	}
	return string(raw[:])
}

// Verify checks that the digest is the hex SHA1 of nonce plus the
// account's secret.
func (b *AuthBroker) Verify(account, nonce, digest string) bool {
	secret, ok := b.secrets.Get(account)
	if !ok {
		var err error
		secret, err = b.source.Secret(account)
		if err != nil {
			b.log.Debug("auth secret lookup failed", "account", account, "error", err.Error())
			return false
		}
		b.secrets.Add(account, secret)
	}
	sum := sha1.Sum([]byte(nonce + secret))
	return digest == hex.EncodeToString(sum[:])
}

// Forget drops an account's cached secret, e.g. after rotation.
func (b *AuthBroker) Forget(account string) {
	b.secrets.Remove(account)
}
