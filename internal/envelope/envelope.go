// Package envelope seals payloads so that only subscribers whose
// attribute key satisfies a policy can read them.
//
// The payload is encrypted with a one-off AES-GCM key, and that key is
// wrapped with CP-ABE under the publisher's policy. Both ciphertexts
// travel in a JSON envelope.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const SupportedVersion = "v1"

var ErrNotEnvelope = errors.New("envelope: payload is not a sealed envelope")

type Envelope struct {
	Version       string `json:"version"`
	ID            string `json:"id"`
	Policy        string `json:"policy"`
	CPCipherText  string `json:"cp_ciphertext"`
	IV            string `json:"iv"`
	AESCiphertext string `json:"aes_ciphertext"`
}

// Parse decodes payload as an envelope. Anything that is not JSON with
// every envelope field set yields ErrNotEnvelope.
func Parse(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, ErrNotEnvelope
	}
	if env.Version == "" || env.CPCipherText == "" || env.IV == "" || env.AESCiphertext == "" {
		return Envelope{}, ErrNotEnvelope
	}
	return env, nil
}

type Sealer struct {
	publicKey []byte
	policy    string
}

func NewSealer(publicKey []byte, policy string) *Sealer {
	return &Sealer{publicKey: publicKey, policy: policy}
}

// Seal encrypts plaintext for topic and returns the JSON envelope.
func (s *Sealer) Seal(topic string, plaintext []byte) ([]byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := WrapKey(s.publicKey, s.policy, key)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	aad := BuildAAD(SupportedVersion, id, topic, s.policy)
	iv, ct, err := Encrypt(key, plaintext, aad)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		Version:       SupportedVersion,
		ID:            id,
		Policy:        s.policy,
		CPCipherText:  base64.StdEncoding.EncodeToString(wrapped),
		IV:            base64.StdEncoding.EncodeToString(iv),
		AESCiphertext: base64.StdEncoding.EncodeToString(ct),
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return b, nil
}

type Opener struct {
	attributeKey []byte
}

func NewOpener(attributeKey []byte) *Opener {
	return &Opener{attributeKey: attributeKey}
}

// Open returns the plaintext of a sealed payload received on topic.
// Payloads that are not envelopes fail with ErrNotEnvelope.
func (o *Opener) Open(topic string, payload []byte) ([]byte, error) {
	env, err := Parse(payload)
	if err != nil {
		return nil, err
	}
	if env.Version != SupportedVersion {
		return nil, fmt.Errorf("envelope: unsupported version %q", env.Version)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.CPCipherText)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode cp_ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.AESCiphertext)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode aes_ciphertext: %w", err)
	}

	key, err := UnwrapKey(o.attributeKey, wrapped)
	if err != nil {
		return nil, err
	}

	aad := BuildAAD(env.Version, env.ID, topic, env.Policy)
	return Decrypt(key, iv, ct, aad)
}
