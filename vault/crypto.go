// Copyright 2026 Conductor
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and cipher parameters. The key is derived per record
// from the master secret and the record's salt, so rotating the salt on
// every write also rotates the data key.
const (
	kdfIterations = 100_000
	keyLength     = 32 // AES-256
	saltLength    = 16
	ivLength      = 12 // GCM standard nonce size
	tagLength     = 16 // GCM tag size
)

// cipherBox performs authenticated encryption of credential payloads.
type cipherBox struct {
	masterSecret []byte
}

func newCipherBox(masterSecret []byte) (*cipherBox, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	secret := make([]byte, len(masterSecret))
	copy(secret, masterSecret)
	return &cipherBox{masterSecret: secret}, nil
}

func (c *cipherBox) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterSecret, salt, kdfIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// seal encrypts plaintext with a fresh salt and IV. The GCM tag is split
// off the ciphertext and returned separately to match the at-rest record
// layout.
func (c *cipherBox) seal(plaintext []byte) (payload, iv, salt, tag []byte, err error) {
	salt = make([]byte, saltLength)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("rand salt: %w", err)
	}
	iv = make([]byte, ivLength)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("rand iv: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	payload = sealed[:len(sealed)-tagLength]
	tag = sealed[len(sealed)-tagLength:]
	return payload, iv, salt, tag, nil
}

// open decrypts a record payload, verifying the authentication tag. Any
// mismatch (tampered payload, wrong key, wrong IV) is an error.
func (c *cipherBox) open(payload, iv, salt, tag []byte) ([]byte, error) {
	if len(iv) != ivLength {
		return nil, fmt.Errorf("invalid iv length %d", len(iv))
	}
	if len(tag) != tagLength {
		return nil, fmt.Errorf("invalid tag length %d", len(tag))
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(payload)+len(tag))
	sealed = append(sealed, payload...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plaintext, nil
}
