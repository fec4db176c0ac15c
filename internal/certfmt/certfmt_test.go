// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package certfmt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSigned(t *testing.T, serial int64, cn string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

func TestToPEMProducesAParseableBlock(t *testing.T) {
	cert := selfSigned(t, 1, "pem root")
	if block := ToPEM(cert.Raw); len(block) == 0 {
		t.Fatal("ToPEM returned no data")
	}
}

func TestJKSRoundTrip(t *testing.T) {
	a := selfSigned(t, 1, "root a")
	b := selfSigned(t, 2, "root b")

	data, err := ToJKS([]*x509.Certificate{a, b})
	if err != nil {
		t.Fatalf("ToJKS: %v", err)
	}

	pool, err := RootsFromJKS(data, nil)
	if err != nil {
		t.Fatalf("RootsFromJKS: %v", err)
	}

	for _, cert := range []*x509.Certificate{a, b} {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
			t.Errorf("certificate %q did not verify against recovered pool: %v", cert.Subject.CommonName, err)
		}
	}
}

func TestRootsFromJKSEmptyKeystore(t *testing.T) {
	data, err := ToJKS(nil)
	if err != nil {
		t.Fatalf("ToJKS(nil): %v", err)
	}
	pool, err := RootsFromJKS(data, nil)
	if err != nil {
		t.Fatalf("RootsFromJKS: %v", err)
	}
	if len(pool.Subjects()) != 0 { //nolint:staticcheck // Subjects is deprecated but fine for an emptiness check in tests.
		t.Error("expected an empty pool from an empty keystore")
	}
}
