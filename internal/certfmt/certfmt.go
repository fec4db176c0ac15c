// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package certfmt converts between PEM and Java KeyStore encodings of trust
// roots, adapted from internal/proxy/certfmt: operators of the offline
// Verifier frequently already maintain their vendor root CAs in a JKS
// truststore (shared with other Java-based attestation tooling in their
// fleet) rather than as loose PEM files.
package certfmt

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"strconv"
	"time"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
)

// ToPEM encodes a DER certificate as a PEM block.
func ToPEM(der []byte) []byte {
	b := new(bytes.Buffer)
	pem.Encode(b, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	return b.Bytes()
}

// ToJKS packages certs as trusted-certificate entries in a password-less
// Java KeyStore, keyed by index ("root-0", "root-1", ...).
func ToJKS(certs []*x509.Certificate) ([]byte, error) {
	ks := keystore.New()
	for i, cert := range certs {
		alias := "root-" + strconv.Itoa(i)
		err := ks.SetTrustedCertificateEntry(alias, keystore.TrustedCertificateEntry{
			CreationTime: time.Now(),
			Certificate: keystore.Certificate{
				Type:    "X509",
				Content: cert.Raw,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	buf := new(bytes.Buffer)
	if err := ks.Store(buf, []byte{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RootsFromJKS extracts an x509.CertPool from a JKS truststore's trusted
// certificate entries, ignoring private-key entries (a Verifier only ever
// needs trust anchors, never signing material).
func RootsFromJKS(data []byte, password []byte) (*x509.CertPool, error) {
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), password); err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, alias := range ks.Aliases() {
		entry, err := ks.GetTrustedCertificateEntry(alias)
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(entry.Certificate.Content)
		if err != nil {
			continue
		}
		pool.AddCert(cert)
	}
	return pool, nil
}
