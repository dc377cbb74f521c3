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

package image

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"

	"github.com/mcu-tools/mcuboot-go/sec"
	"github.com/mcu-tools/mcuboot-go/util"
)

// ImageCreator assembles a signed (and optionally encrypted) image the way
// the signing tool does.  The boot tests use it to stage slots.
type ImageCreator struct {
	Body         []byte
	Version      ImageVersion
	LoadAddr     uint32
	SigKeys      []sec.SignKey
	PlainSecret  []byte
	CipherSecret []byte
	EncTlvType   uint16
	HeaderSize   int
	HashType     uint16
	SecCounter   *uint32
	Dependencies []ImageDependency
	Bootable     bool
	RamLoad      bool
}

func NewImageCreator() ImageCreator {
	return ImageCreator{
		HeaderSize: IMAGE_HEADER_SIZE,
		HashType:   IMAGE_TLV_SHA256,
		Bootable:   true,
	}
}

func newHash(hashType uint16) (hash.Hash, error) {
	switch hashType {
	case IMAGE_TLV_SHA256:
		return sha256.New(), nil
	case IMAGE_TLV_SHA384:
		return sha512.New384(), nil
	case IMAGE_TLV_SHA512:
		return sha512.New(), nil
	default:
		return nil, util.FmtBootError(util.KindBadImage,
			"Unsupported hash TLV type 0x%02x", hashType)
	}
}

func generateSigRsa(key sec.SignKey, hashBytes []byte) ([]byte, error) {
	var hf crypto.Hash
	switch len(hashBytes) {
	case 32:
		hf = crypto.SHA256
	case 48:
		hf = crypto.SHA384
	case 64:
		hf = crypto.SHA512
	default:
		return nil, util.FmtBootError(util.KindBadImage,
			"Unsupported digest length %d", len(hashBytes))
	}

	opts := rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}
	signature, err := rsa.SignPSS(
		rand.Reader, key.Rsa, hf, hashBytes, &opts)
	if err != nil {
		return nil, util.FmtBootError(util.KindBadSignature,
			"Failed to compute signature: %s", err)
	}

	return signature, nil
}

func generateSigEc(key sec.SignKey, hashBytes []byte) ([]byte, error) {
	signature, err := ecdsa.SignASN1(rand.Reader, key.Ec, hashBytes)
	if err != nil {
		return nil, util.FmtBootError(util.KindBadSignature,
			"Failed to compute signature: %s", err)
	}

	sigLen := key.SigLen()
	if len(signature) > int(sigLen) {
		return nil, util.FmtBootError(util.KindBadSignature,
			"Signature longer than TLV slot")
	}

	pad := make([]byte, int(sigLen)-len(signature))
	signature = append(signature, pad...)

	return signature, nil
}

func generateSigEd25519(key sec.SignKey, hashBytes []byte) ([]byte, error) {
	// Ed25519 signs the image digest, not the raw image.
	return (*key.Ed25519).Sign(rand.Reader, hashBytes, crypto.Hash(0))
}

func generateSig(key sec.SignKey, hashBytes []byte) ([]byte, error) {
	key.AssertValid()

	if key.Rsa != nil {
		return generateSigRsa(key, hashBytes)
	} else if key.Ec != nil {
		return generateSigEc(key, hashBytes)
	} else {
		return generateSigEd25519(key, hashBytes)
	}
}

func sigTlvType(key sec.SignKey) uint16 {
	key.AssertValid()

	if key.Rsa != nil {
		if key.Rsa.Size() > 256 {
			return IMAGE_TLV_RSA3072
		}
		return IMAGE_TLV_RSA2048
	} else if key.Ec != nil {
		return IMAGE_TLV_ECDSA_SIG
	} else {
		return IMAGE_TLV_ED25519
	}
}

func BuildKeyHashTlv(keyBytes []byte) ImageTlv {
	data := sec.KeyHash(keyBytes)
	return ImageTlv{
		Header: ImageTlvHdr{
			Type: IMAGE_TLV_KEYHASH,
			Len:  uint16(len(data)),
		},
		Data: data,
	}
}

func BuildSigTlvs(keys []sec.SignKey, hashBytes []byte) ([]ImageTlv, error) {
	var tlvs []ImageTlv

	for _, key := range keys {
		key.AssertValid()

		// Key hash TLV.
		pubKey, err := key.PubBytes()
		if err != nil {
			return nil, err
		}
		tlv := BuildKeyHashTlv(pubKey)
		tlvs = append(tlvs, tlv)

		// Signature TLV.
		sig, err := generateSig(key, hashBytes)
		if err != nil {
			return nil, err
		}
		tlv = ImageTlv{
			Header: ImageTlvHdr{
				Type: sigTlvType(key),
				Len:  uint16(len(sig)),
			},
			Data: sig,
		}
		tlvs = append(tlvs, tlv)
	}

	return tlvs, nil
}

func (ic *ImageCreator) protTlvs() []ImageTlv {
	var tlvs []ImageTlv

	for _, dep := range ic.Dependencies {
		tlvs = append(tlvs, ImageTlv{
			Header: ImageTlvHdr{
				Type: IMAGE_TLV_DEPENDENCY,
				Len:  12,
			},
			Data: MarshalDependency(dep),
		})
	}

	if ic.SecCounter != nil {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, *ic.SecCounter)
		tlvs = append(tlvs, ImageTlv{
			Header: ImageTlvHdr{
				Type: IMAGE_TLV_SEC_CNT,
				Len:  4,
			},
			Data: data,
		})
	}

	return tlvs
}

func (ic *ImageCreator) flags() uint32 {
	var flags uint32

	if !ic.Bootable {
		flags |= IMAGE_F_NON_BOOTABLE
	}
	if ic.RamLoad {
		flags |= IMAGE_F_RAM_LOAD
	}
	switch len(ic.PlainSecret) {
	case 16:
		flags |= IMAGE_F_ENCRYPTED_AES128
	case 32:
		flags |= IMAGE_F_ENCRYPTED_AES256
	}

	return flags
}

// Create assembles the image.  The hash covers the header, the plaintext
// body, and the protected TLV table; the body is stored encrypted when a
// plain secret is configured.
func (ic *ImageCreator) Create() (Image, error) {
	ri := Image{}

	if len(ic.Body) == 0 {
		return ri, util.NewBootError(util.KindBadImage,
			"Image with zero-length body")
	}

	protTlvs := ic.protTlvs()
	protInfo := tlvTableInfo(IMAGE_TLV_PROT_INFO_MAGIC, protTlvs)
	protSz := uint16(0)
	if len(protTlvs) > 0 {
		protSz = protInfo.TlvTotLen
	}

	hdr := ImageHdr{
		Magic:        IMAGE_MAGIC,
		LoadAddr:     ic.LoadAddr,
		HdrSz:        uint16(ic.HeaderSize),
		ProtectTlvSz: protSz,
		ImgSz:        uint32(len(ic.Body)),
		Flags:        ic.flags(),
		Vers:         ic.Version,
		Pad:          0,
	}

	pad := make([]byte, ic.HeaderSize-IMAGE_HEADER_SIZE)

	h, err := newHash(ic.HashType)
	if err != nil {
		return ri, err
	}

	b := &bytes.Buffer{}
	if err := binary.Write(b, binary.LittleEndian, &hdr); err != nil {
		return ri, util.ChildBootError(err)
	}
	h.Write(b.Bytes())
	h.Write(pad)
	h.Write(ic.Body)

	if len(protTlvs) > 0 {
		pb := &bytes.Buffer{}
		if _, err := writeTlvTable(pb, protInfo, protTlvs); err != nil {
			return ri, err
		}
		h.Write(pb.Bytes())
	}

	hashBytes := h.Sum(nil)

	ri.Header = hdr
	ri.Pad = pad
	ri.ProtTlvs = protTlvs

	if ic.PlainSecret != nil {
		body, err := sec.EncryptAES(ic.Body, ic.PlainSecret)
		if err != nil {
			return ri, err
		}
		ri.Body = body
	} else {
		ri.Body = make([]byte, len(ic.Body))
		copy(ri.Body, ic.Body)
	}

	// The hash TLV precedes every signature TLV.
	ri.Tlvs = append(ri.Tlvs, ImageTlv{
		Header: ImageTlvHdr{
			Type: ic.HashType,
			Len:  uint16(len(hashBytes)),
		},
		Data: hashBytes,
	})

	sigTlvs, err := BuildSigTlvs(ic.SigKeys, hashBytes)
	if err != nil {
		return ri, err
	}
	ri.Tlvs = append(ri.Tlvs, sigTlvs...)

	if ic.CipherSecret != nil {
		if ic.EncTlvType == 0 {
			return ri, util.NewBootError(util.KindBadImage,
				"Cipher secret present but no enc TLV type")
		}
		ri.Tlvs = append(ri.Tlvs, ImageTlv{
			Header: ImageTlvHdr{
				Type: ic.EncTlvType,
				Len:  uint16(len(ic.CipherSecret)),
			},
			Data: ic.CipherSecret,
		})
	}

	return ri, nil
}
