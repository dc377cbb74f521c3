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
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"os"

	"golang.org/x/crypto/ed25519"

	"github.com/mcu-tools/mcuboot-go/util"
)

type SignKey struct {
	// Only one of these members is non-nil.
	Rsa     *rsa.PrivateKey
	Ec      *ecdsa.PrivateKey
	Ed25519 *ed25519.PrivateKey
}

type ed25519Pkcs struct {
	Version int
	Algo    pkix.AlgorithmIdentifier
	SeedKey []byte
}

var oidPrivateKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}

// Parse an ed25519 PKCS#8 certificate
func ParseEd25519Pkcs8(der []byte) (key *ed25519.PrivateKey, err error) {
	var privKey ed25519Pkcs
	if _, err := asn1.Unmarshal(der, &privKey); err != nil {
		return nil, util.NewBootError(util.KindUnknown,
			"Error parsing ASN1 key")
	}
	switch {
	case privKey.Algo.Algorithm.Equal(oidPrivateKeyEd25519):
		// ASN1 header (type+length) + seed
		if len(privKey.SeedKey) != ed25519.SeedSize+2 {
			return nil, util.NewBootError(util.KindUnknown,
				"Unexpected size for Ed25519 private key")
		}
		key := ed25519.NewKeyFromSeed(privKey.SeedKey[2:])
		return &key, nil
	default:
		return nil, util.FmtBootError(util.KindUnknown,
			"x509: PKCS#8 wrapping contained private key with unknown algorithm: %v",
			privKey.Algo.Algorithm)
	}
}

type pkixPublicKey struct {
	Algo      pkix.AlgorithmIdentifier
	BitString asn1.BitString
}

func marshalEd25519(pubbytes []uint8) []uint8 {
	pkix := pkixPublicKey{
		Algo: pkix.AlgorithmIdentifier{
			Algorithm: oidPrivateKeyEd25519,
		},
		BitString: asn1.BitString{
			Bytes:     pubbytes,
			BitLength: 8 * len(pubbytes),
		},
	}

	ret, _ := asn1.Marshal(pkix)
	return ret
}

func ParsePrivateKey(keyBytes []byte) (interface{}, error) {
	var privKey interface{}
	var err error

	block, data := pem.Decode(keyBytes)
	if block != nil && block.Type == "EC PARAMETERS" {
		/*
		 * Openssl prepends an EC PARAMETERS block before the
		 * key itself.  If we see this first, just skip it,
		 * and go on to the data block.
		 */
		block, _ = pem.Decode(data)
	}
	if block != nil && block.Type == "RSA PRIVATE KEY" {
		/*
		 * ParsePKCS1PrivateKey returns an RSA private key from its ASN.1
		 * PKCS#1 DER encoded form.
		 */
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, util.FmtBootError(util.KindUnknown,
				"Private key parsing failed: %s", err)
		}
	}
	if block != nil && block.Type == "EC PRIVATE KEY" {
		/*
		 * ParseECPrivateKey returns a EC private key
		 */
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, util.FmtBootError(util.KindUnknown,
				"Private key parsing failed: %s", err)
		}
	}
	if block != nil && block.Type == "PRIVATE KEY" {
		// This indicates a PKCS#8 unencrypted private key.
		// The particular type of key will be indicated within
		// the key itself.
		privKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			// Try also parsing as ed25519, whose OID is not
			// yet supported by upstream x509 parser
			var _privKey interface{}
			_privKey, err = ParseEd25519Pkcs8(block.Bytes)
			if err != nil {
				return nil, util.FmtBootError(util.KindUnknown,
					"Private key parsing failed: %s", err)
			}
			privKey = _privKey
		}
	}
	if privKey == nil {
		return nil, util.NewBootError(util.KindUnknown,
			"Unknown private key format, EC/RSA private "+
				"key in PEM format only.")
	}

	return privKey, nil
}

func BuildPrivateKey(keyBytes []byte) (SignKey, error) {
	key := SignKey{}

	privKey, err := ParsePrivateKey(keyBytes)
	if err != nil {
		return key, err
	}

	switch priv := privKey.(type) {
	case *rsa.PrivateKey:
		key.Rsa = priv
	case *ecdsa.PrivateKey:
		key.Ec = priv
	case *ed25519.PrivateKey:
		key.Ed25519 = priv
	case ed25519.PrivateKey:
		key.Ed25519 = &priv
	default:
		return key, util.NewBootError(util.KindUnknown,
			"Unknown private key format")
	}

	return key, nil
}

func ReadKey(filename string) (SignKey, error) {
	keyBytes, err := os.ReadFile(filename)
	if err != nil {
		return SignKey{}, util.FmtBootError(util.KindUnknown,
			"Error reading key file: %s", err)
	}

	return BuildPrivateKey(keyBytes)
}

func ReadKeys(filenames []string) ([]SignKey, error) {
	keys := make([]SignKey, len(filenames))

	for i, filename := range filenames {
		key, err := ReadKey(filename)
		if err != nil {
			return nil, err
		}

		keys[i] = key
	}

	return keys, nil
}

func (key *SignKey) AssertValid() {
	total := 0
	if key.Rsa != nil {
		total++
	}
	if key.Ec != nil {
		total++
	}
	if key.Ed25519 != nil {
		total++
	}
	if total != 1 {
		panic("invalid key; neither RSA nor ECC nor ED25519")
	}
}

func (key *SignKey) PubBytes() ([]uint8, error) {
	key.AssertValid()

	var pubkey []byte

	if key.Rsa != nil {
		pubkey, _ = asn1.Marshal(key.Rsa.PublicKey)
	} else if key.Ec != nil {
		switch key.Ec.Curve.Params().Name {
		case "P-256":
			fallthrough
		case "P-384":
			pubkey, _ = x509.MarshalPKIXPublicKey(&key.Ec.PublicKey)
		default:
			return nil, util.NewBootError(util.KindUnknown,
				"Unsupported ECC curve")
		}
	} else if key.Ed25519 != nil {
		bytes := key.Ed25519.Public().(ed25519.PublicKey)
		pubkey = marshalEd25519(bytes)
	} else {
		panic("invalid key; neither RSA nor ECC nor ED25519")
	}

	return pubkey, nil
}

func (key *SignKey) SigLen() uint16 {
	key.AssertValid()

	if key.Rsa != nil {
		pubk := key.Rsa.Public().(*rsa.PublicKey)
		return uint16(pubk.Size())
	} else if key.Ec != nil {
		switch key.Ec.Curve.Params().Name {
		case "P-256":
			return 72
		case "P-384":
			return 104
		default:
			return 0
		}
	} else if key.Ed25519 != nil {
		return ed25519.SignatureSize
	} else {
		panic("invalid key; neither RSA nor ECC nor ED25519")
	}
}

// PubKey is a verification key from the bootloader's embedded key table.
// Only one member is non-nil.
type PubKey struct {
	Rsa     *rsa.PublicKey
	Ec      *ecdsa.PublicKey
	Ed25519 ed25519.PublicKey

	// The raw encoded bytes the key was parsed from; hashed for KEYHASH
	// matching.
	Raw []byte
}

// ParsePubKey accepts the encodings the signing tool emits: PKIX DER for
// EC / Ed25519, PKCS#1-style ASN.1 for RSA.
func ParsePubKey(raw []byte) (PubKey, error) {
	pk := PubKey{Raw: raw}

	pub, err := x509.ParsePKIXPublicKey(raw)
	if err == nil {
		switch p := pub.(type) {
		case *rsa.PublicKey:
			pk.Rsa = p
		case *ecdsa.PublicKey:
			pk.Ec = p
		case ed25519.PublicKey:
			pk.Ed25519 = p
		default:
			return pk, util.NewBootError(util.KindUnknown,
				"Unsupported public key type")
		}
		return pk, nil
	}

	// RSA keys embed as raw PKCS#1 ASN.1.
	var rsaPub rsa.PublicKey
	if _, err := asn1.Unmarshal(raw, &rsaPub); err == nil {
		pk.Rsa = &rsaPub
		return pk, nil
	}

	// Ed25519 PKIX with an OID the parser predates.
	var pkixPub pkixPublicKey
	if _, err := asn1.Unmarshal(raw, &pkixPub); err == nil &&
		pkixPub.Algo.Algorithm.Equal(oidPrivateKeyEd25519) {
		if len(pkixPub.BitString.Bytes) == ed25519.PublicKeySize {
			pk.Ed25519 = ed25519.PublicKey(pkixPub.BitString.Bytes)
			return pk, nil
		}
	}

	return pk, util.NewBootError(util.KindUnknown,
		"Unrecognized public key encoding")
}

// KeyHash returns the SHA-256 of a key's raw encoding; this is the value
// carried in KEYHASH TLVs and burned into efuse in hw-key builds.
func KeyHash(pubKeyBytes []byte) []byte {
	sum := sha256.Sum256(pubKeyBytes)
	return sum[:]
}

func hashFuncForDigest(digest []byte) (crypto.Hash, error) {
	switch len(digest) {
	case sha256.Size:
		return crypto.SHA256, nil
	case 48:
		return crypto.SHA384, nil
	case 64:
		return crypto.SHA512, nil
	default:
		return 0, util.FmtBootError(util.KindBadSignature,
			"Unsupported digest length %d", len(digest))
	}
}

// VerifySig checks a signature over an image digest.  RSA signatures are
// PSS with salt length equal to the hash; ECDSA signatures are ASN.1
// encoded and may carry alignment padding after the sequence; Ed25519
// signs the digest directly.
func (pk *PubKey) VerifySig(digest []byte, sig []byte) error {
	if pk.Rsa != nil {
		hf, err := hashFuncForDigest(digest)
		if err != nil {
			return err
		}
		opts := rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		}
		if err := rsa.VerifyPSS(pk.Rsa, hf, digest, sig, &opts); err != nil {
			return util.FmtBootError(util.KindBadSignature,
				"RSA-PSS verification failed: %s", err.Error())
		}
		return nil
	}

	if pk.Ec != nil {
		sig = trimEcdsaSig(sig)
		if !ecdsa.VerifyASN1(pk.Ec, digest, sig) {
			return util.NewBootError(util.KindBadSignature,
				"ECDSA verification failed")
		}
		return nil
	}

	if pk.Ed25519 != nil {
		if len(sig) != ed25519.SignatureSize {
			return util.FmtBootError(util.KindBadSignature,
				"Unexpected ed25519 signature size %d", len(sig))
		}
		if !ed25519.Verify(pk.Ed25519, digest, sig) {
			return util.NewBootError(util.KindBadSignature,
				"Ed25519 verification failed")
		}
		return nil
	}

	return util.NewBootError(util.KindBadSignature, "Empty public key")
}

// trimEcdsaSig strips the zero padding the signing tool appends to bring
// ECDSA signatures up to a fixed TLV length.
func trimEcdsaSig(sig []byte) []byte {
	if len(sig) < 2 || sig[0] != 0x30 {
		return sig
	}

	seqLen := int(sig[1])
	if seqLen < 0x80 && 2+seqLen <= len(sig) {
		return sig[:2+seqLen]
	}

	return sig
}
