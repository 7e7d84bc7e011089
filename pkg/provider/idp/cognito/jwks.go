package cognito

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// keyRefreshMin is the minimum interval between JWKS refetches, so a flood of
// tokens with unknown kids cannot hammer the endpoint.
const keyRefreshMin = 1 * time.Minute

// KeySet fetches and caches the RSA public keys a user pool publishes at its
// JWKS endpoint. Keys are fetched lazily on first use and refetched when an
// unknown kid appears (key rotation). Safe for concurrent use.
type KeySet struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
}

// NewKeySet creates a KeySet reading from the given JWKS URL.
func NewKeySet(url string) *KeySet {
	return &KeySet{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key with the given kid, fetching the JWKS if the kid
// is unknown and the refresh throttle allows.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	if time.Since(ks.lastFetch) < keyRefreshMin {
		return nil, fmt.Errorf("jwks: unknown key id %q", kid)
	}
	if err := ks.fetchLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwks: unknown key id %q after refresh", kid)
}

// jwksDocument is the wire shape of a JWKS endpoint response.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// fetchLocked retrieves and parses the JWKS. Must be called with ks.mu held.
func (ks *KeySet) fetchLocked(ctx context.Context) error {
	ks.lastFetch = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("jwks: build request: %w", err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("jwks: fetch %s: %w", ks.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch %s: unexpected status %d", ks.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("jwks: read body: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("jwks: parse document: %w", err)
	}

	fresh := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			return fmt.Errorf("jwks: key %q: %w", k.Kid, err)
		}
		fresh[k.Kid] = pub
	}
	if len(fresh) == 0 {
		return fmt.Errorf("jwks: document at %s contains no usable RSA keys", ks.url)
	}
	ks.keys = fresh
	return nil
}

// parseRSAKey converts base64url modulus and exponent into an rsa.PublicKey.
func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("implausible exponent %d", e)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
