/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCertPair(t *testing.T, passphrase string) (certFile, keyFile string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "domaind.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"domaind.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))

	keyBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if passphrase != "" {
		//nolint:staticcheck
		keyBlock, err = x509.EncryptPEMBlock(rand.Reader, keyBlock.Type, keyBlock.Bytes, []byte(passphrase), x509.PEMCipherAES256)
		require.NoError(t, err)
	}
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0o600))
	return certFile, keyFile
}

func TestLoadTLSCertificate(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "")
	cert, err := LoadTLSCertificate(certFile, keyFile, "")
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	_, err = LoadTLSCertificate(certFile, filepath.Join(t.TempDir(), "missing.pem"), "")
	require.Error(t, err)
}

func TestLoadTLSCertificateEncryptedKey(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "hunter2")

	cert, err := LoadTLSCertificate(certFile, keyFile, "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	_, err = LoadTLSCertificate(certFile, keyFile, "wrong")
	require.Error(t, err)
}
