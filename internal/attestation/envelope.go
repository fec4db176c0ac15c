// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package attestation

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"
)

// BundlePayloadType is the DSSE payload type identifying a signed bundle,
// following the "application/vnd.<org>.<thing>+json" convention the in-toto
// ecosystem uses for its own statement types.
const BundlePayloadType = "application/vnd.attestbuild.bundle+json"

// Ed25519SignerVerifier is a minimal dsse.SignVerifier over a software
// Ed25519 key, for an operator co-signature layered on top of the TPM
// quote: the quote attests to the platform's state, while this attests to
// the identity of the operator who ran the build, independent of hardware.
// Grounded on the teacher's CloudKMSSigner shape (Sign/Verify/KeyID/Public),
// substituting a local key for a cloud KMS call.
type Ed25519SignerVerifier struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519SignerVerifier wraps an existing key pair.
func NewEd25519SignerVerifier(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Ed25519SignerVerifier {
	return &Ed25519SignerVerifier{priv: priv, pub: pub}
}

// GenerateEd25519SignerVerifier creates a fresh operator key pair.
func GenerateEd25519SignerVerifier() (*Ed25519SignerVerifier, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating operator signing key")
	}
	return &Ed25519SignerVerifier{priv: priv, pub: pub}, nil
}

func (s *Ed25519SignerVerifier) Public() crypto.PublicKey { return s.pub }

func (s *Ed25519SignerVerifier) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *Ed25519SignerVerifier) Verify(ctx context.Context, data, sig []byte) error {
	if !ed25519.Verify(s.pub, data, sig) {
		return errors.New("attestation: operator signature does not verify")
	}
	return nil
}

func (s *Ed25519SignerVerifier) KeyID() (string, error) {
	return hex.EncodeToString(s.pub), nil
}

var _ dsse.SignVerifier = (*Ed25519SignerVerifier)(nil)

// SignOperatorEnvelope wraps bundle's canonical JSON (event_log plus
// remote_attestation, never the envelope itself) in a DSSE envelope signed
// by signer, giving a verifier an operator-identity binding independent of
// the TPM quote's hardware-rooted trust.
func SignOperatorEnvelope(ctx context.Context, signer dsse.Signer, bundle Bundle) (*dsse.Envelope, error) {
	es, err := dsse.NewEnvelopeSigner(signer)
	if err != nil {
		return nil, errors.Wrap(err, "constructing envelope signer")
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling bundle for signing")
	}
	env, err := es.SignPayload(ctx, BundlePayloadType, payload)
	if err != nil {
		return nil, errors.Wrap(err, "signing bundle envelope")
	}
	return env, nil
}

// VerifyOperatorEnvelope checks env's signature over bundle's canonical
// JSON against verifier, returning the accepted signer's key ID.
func VerifyOperatorEnvelope(ctx context.Context, verifier dsse.Verifier, env *dsse.Envelope, bundle Bundle) (string, error) {
	ev, err := dsse.NewEnvelopeVerifier(verifier)
	if err != nil {
		return "", errors.Wrap(err, "constructing envelope verifier")
	}
	accepted, err := ev.Verify(ctx, env)
	if err != nil {
		return "", errors.Wrap(err, "verifying operator envelope")
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", errors.Wrap(err, "marshaling bundle for comparison")
	}
	envPayload, err := env.DecodeB64Payload()
	if err != nil {
		return "", errors.Wrap(err, "decoding envelope payload")
	}
	if string(envPayload) != string(payload) {
		return "", errors.New("attestation: operator envelope payload does not match bundle")
	}
	if len(accepted) == 0 {
		return "", errors.New("attestation: no accepted operator signatures")
	}
	keyID, err := verifier.KeyID()
	if err != nil {
		return "", errors.Wrap(err, "resolving verifier key id")
	}
	return keyID, nil
}
