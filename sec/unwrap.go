/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package sec

import (
	"crypto/aes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"io"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/mcu-tools/mcuboot-go/util"
)

// Content-encryption keys travel in an ENC-* TLV, wrapped with the
// bootloader's key-encryption key.  Four wrap schemes are supported; the
// TLV type selects which one.
type EncScheme int

const (
	ENC_SCHEME_RSA EncScheme = iota
	ENC_SCHEME_KW
	ENC_SCHEME_EC256
	ENC_SCHEME_X25519
)

const eciesInfo = "MCUBOOT_ECIES_v1"

// Kek holds the bootloader-resident private half of the key-encryption
// key.  Only the member matching the configured scheme needs to be set.
type Kek struct {
	Rsa    *rsa.PrivateKey
	Ec     *ecdsa.PrivateKey
	X25519 []byte // 32-byte scalar
	Aes    []byte // raw keywrap KEK, 16 or 32 bytes
}

func unwrapKw(kek []byte, wrapped []byte) ([]byte, error) {
	c, err := aes.NewCipher(kek)
	if err != nil {
		return nil, util.FmtBootError(util.KindUnknown,
			"Error creating keywrap cipher: %s", err.Error())
	}

	cek, err := keywrap.Unwrap(c, wrapped)
	if err != nil {
		return nil, util.FmtBootError(util.KindUnknown,
			"Error key-unwrapping: %s", err.Error())
	}

	return cek, nil
}

func wrapKw(kek []byte, plain []byte) ([]byte, error) {
	c, err := aes.NewCipher(kek)
	if err != nil {
		return nil, util.FmtBootError(util.KindUnknown,
			"Error creating keywrap cipher: %s", err.Error())
	}

	wrapped, err := keywrap.Wrap(c, plain)
	if err != nil {
		return nil, util.FmtBootError(util.KindUnknown,
			"Error key-wrapping: %s", err.Error())
	}

	return wrapped, nil
}

// eciesKek derives the ephemeral wrap key from an ECDH shared secret:
// HKDF-SHA256 expand to a 128-bit AES-KW key.
func eciesKek(shared []byte) ([]byte, error) {
	kek := make([]byte, 16)
	r := hkdf.New(sha256.New, shared, nil, []byte(eciesInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, util.FmtBootError(util.KindUnknown,
			"HKDF expand failed: %s", err.Error())
	}
	return kek, nil
}

// UnwrapCek recovers the plaintext content-encryption key from an ENC-*
// TLV payload.
func UnwrapCek(kek Kek, scheme EncScheme, payload []byte) ([]byte, error) {
	switch scheme {
	case ENC_SCHEME_RSA:
		if kek.Rsa == nil {
			return nil, util.NewBootError(util.KindUnknown,
				"No RSA KEK available")
		}
		cek, err := rsa.DecryptOAEP(
			sha256.New(), rand.Reader, kek.Rsa, payload, nil)
		if err != nil {
			return nil, util.FmtBootError(util.KindUnknown,
				"Error from decryption: %s", err.Error())
		}
		return cek, nil

	case ENC_SCHEME_KW:
		if kek.Aes == nil {
			return nil, util.NewBootError(util.KindUnknown,
				"No AES KEK available")
		}
		return unwrapKw(kek.Aes, payload)

	case ENC_SCHEME_EC256:
		if kek.Ec == nil {
			return nil, util.NewBootError(util.KindUnknown,
				"No EC KEK available")
		}
		// payload = uncompressed ephemeral point (65) || wrapped CEK
		if len(payload) < 65+8 {
			return nil, util.FmtBootError(util.KindUnknown,
				"ECIES-P256 TLV too short: %d", len(payload))
		}
		curve := elliptic.P256()
		x, y := elliptic.Unmarshal(curve, payload[:65])
		if x == nil {
			return nil, util.NewBootError(util.KindUnknown,
				"Invalid ephemeral public point")
		}
		sx, _ := curve.ScalarMult(x, y, kek.Ec.D.Bytes())
		shared := make([]byte, 32)
		sx.FillBytes(shared)

		wrapKey, err := eciesKek(shared)
		if err != nil {
			return nil, err
		}
		return unwrapKw(wrapKey, payload[65:])

	case ENC_SCHEME_X25519:
		if kek.X25519 == nil {
			return nil, util.NewBootError(util.KindUnknown,
				"No X25519 KEK available")
		}
		// payload = ephemeral public key (32) || wrapped CEK
		if len(payload) < 32+8 {
			return nil, util.FmtBootError(util.KindUnknown,
				"ECIES-X25519 TLV too short: %d", len(payload))
		}
		shared, err := curve25519.X25519(kek.X25519, payload[:32])
		if err != nil {
			return nil, util.FmtBootError(util.KindUnknown,
				"X25519 failed: %s", err.Error())
		}

		wrapKey, err := eciesKek(shared)
		if err != nil {
			return nil, err
		}
		return unwrapKw(wrapKey, payload[32:])
	}

	return nil, util.FmtBootError(util.KindUnknown,
		"Unknown encryption scheme %d", scheme)
}

// The Wrap* functions are the signing-tool half; the builder and the tests
// use them to produce ENC-* TLV payloads.

func WrapCekRsa(pubk *rsa.PublicKey, cek []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pubk, cek, nil)
	if err != nil {
		return nil, util.FmtBootError(util.KindUnknown,
			"Error from encryption: %s", err.Error())
	}

	return wrapped, nil
}

func WrapCekKw(kek []byte, cek []byte) ([]byte, error) {
	return wrapKw(kek, cek)
}

func WrapCekEc256(pubk *ecdsa.PublicKey, cek []byte) ([]byte, error) {
	curve := elliptic.P256()

	eph, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, util.ChildBootError(err)
	}

	sx, _ := curve.ScalarMult(pubk.X, pubk.Y, eph.D.Bytes())
	shared := make([]byte, 32)
	sx.FillBytes(shared)

	wrapKey, err := eciesKek(shared)
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapKw(wrapKey, cek)
	if err != nil {
		return nil, err
	}

	ephPub := elliptic.Marshal(curve, eph.PublicKey.X, eph.PublicKey.Y)
	return append(ephPub, wrapped...), nil
}

func WrapCekX25519(pub []byte, cek []byte) ([]byte, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, util.ChildBootError(err)
	}

	ephPub, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return nil, util.ChildBootError(err)
	}

	shared, err := curve25519.X25519(seed[:], pub)
	if err != nil {
		return nil, util.ChildBootError(err)
	}

	wrapKey, err := eciesKek(shared)
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapKw(wrapKey, cek)
	if err != nil {
		return nil, err
	}

	return append(ephPub, wrapped...), nil
}

// X25519Pub derives the public key for a private scalar; used when
// provisioning a KEK pair.
func X25519Pub(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, util.ChildBootError(err)
	}
	return pub, nil
}
