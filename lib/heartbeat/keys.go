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

package heartbeat

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/gravitational/trace"
)

const rsaKeyBits = 2048

// Keypair is the domain's RSA identity. The public half is uploaded to
// the metaverse; the private half signs ICE heartbeats.
type Keypair struct {
	private   *rsa.PrivateKey
	publicDER []byte
}

// NewKeypair generates a fresh keypair.
func NewKeypair() (*Keypair, error) {
	private, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Keypair{private: private, publicDER: publicDER}, nil
}

// Sign returns an RSA-SHA256 signature over data.
func (k *Keypair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	return sig, trace.Wrap(err)
}

// PublicDER returns the PKIX encoding of the public key.
func (k *Keypair) PublicDER() []byte { return k.publicDER }
