package envelope

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/abe/cpabe/tkn20"
)

// WrapKey encrypts a payload key under a CP-ABE policy.
func WrapKey(publicKeyBytes []byte, policy string, key []byte) ([]byte, error) {
	var publicKey tkn20.PublicKey
	if err := publicKey.UnmarshalBinary(publicKeyBytes); err != nil {
		return nil, fmt.Errorf("abe: failed to load public key: %w", err)
	}

	var p tkn20.Policy
	if err := p.FromString(policy); err != nil {
		return nil, fmt.Errorf("abe: invalid policy %q: %w", policy, err)
	}

	ct, err := publicKey.Encrypt(rand.Reader, p, key)
	if err != nil {
		return nil, fmt.Errorf("abe: encrypt failed: %w", err)
	}
	return ct, nil
}

// UnwrapKey recovers the payload key. It fails when the attribute key
// does not satisfy the policy the key was wrapped under.
func UnwrapKey(attributeKeyBytes []byte, ciphertext []byte) ([]byte, error) {
	var attributeKey tkn20.AttributeKey
	if err := attributeKey.UnmarshalBinary(attributeKeyBytes); err != nil {
		return nil, fmt.Errorf("abe: failed to load attribute key: %w", err)
	}

	key, err := attributeKey.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("abe: attributes do not satisfy policy: %w", err)
	}
	return key, nil
}

// Authority holds the CP-ABE system keys.
type Authority struct {
	publicKey tkn20.PublicKey
	secretKey tkn20.SystemSecretKey
}

func NewAuthority() (*Authority, error) {
	publicKey, secretKey, err := tkn20.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("abe: setup failed: %w", err)
	}
	return &Authority{publicKey: publicKey, secretKey: secretKey}, nil
}

func (a *Authority) PublicKey() ([]byte, error) {
	b, err := a.publicKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("abe: marshal public key: %w", err)
	}
	return b, nil
}

// IssueKey derives an attribute key for the given attribute set.
func (a *Authority) IssueKey(attrs map[string]string) ([]byte, error) {
	var attributes tkn20.Attributes
	attributes.FromMap(attrs)

	key, err := a.secretKey.KeyGen(rand.Reader, attributes)
	if err != nil {
		return nil, fmt.Errorf("abe: keygen failed: %w", err)
	}
	b, err := key.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("abe: marshal attribute key: %w", err)
	}
	return b, nil
}

// ParseAttributes reads "role:operator,site:rome".
func ParseAttributes(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("abe: malformed attribute %q, want name:value", pair)
		}
		attrs[k] = v
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("abe: no attributes in %q", s)
	}
	return attrs, nil
}
