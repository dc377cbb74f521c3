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

package boot

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"

	log "github.com/sirupsen/logrus"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/image"
	"github.com/mcu-tools/mcuboot-go/sec"
	"github.com/mcu-tools/mcuboot-go/util"
)

// verifyInfo is what the selector learns from a successful validation.
type verifyInfo struct {
	Hdr     image.ImageHdr
	Hash    []byte
	SecCnt  *uint32
	Deps    []image.ImageDependency
	EncCek  []byte // unwrapped CEK, when the slot is encrypted on disk
}

// tlvScan is the single pass over both TLV tables that precedes hashing.
type tlvScan struct {
	hashEntry *image.TlvEntry
	sigEntry  *image.TlvEntry
	keyHash   *image.TlvEntry
	pubKey    *image.TlvEntry
	encEntry  *image.TlvEntry
	secCnt    *uint32
	deps      []image.ImageDependency
}

func scanTlvs(it *image.TlvIter) (*tlvScan, error) {
	scan := &tlvScan{}
	sawHash := false

	for {
		entry, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		e := entry

		switch {
		case image.ImageTlvTypeIsHash(e.Type):
			if scan.hashEntry != nil {
				return nil, util.NewBootError(util.KindBadImage,
					"duplicate hash TLV")
			}
			if e.Protected {
				return nil, util.NewBootError(util.KindBadImage,
					"hash TLV in protected table")
			}
			scan.hashEntry = &e
			sawHash = true

		case image.ImageTlvTypeIsSig(e.Type):
			if scan.sigEntry != nil {
				return nil, util.NewBootError(util.KindBadImage,
					"duplicate signature TLV")
			}
			if !sawHash {
				return nil, util.NewBootError(util.KindBadImage,
					"signature TLV precedes hash TLV")
			}
			scan.sigEntry = &e

		case e.Type == image.IMAGE_TLV_KEYHASH:
			if scan.keyHash != nil {
				return nil, util.NewBootError(util.KindBadImage,
					"duplicate keyhash TLV")
			}
			scan.keyHash = &e

		case e.Type == image.IMAGE_TLV_PUBKEY:
			scan.pubKey = &e

		case image.ImageTlvTypeIsEnc(e.Type):
			if scan.encEntry != nil {
				return nil, util.NewBootError(util.KindBadImage,
					"duplicate encryption TLV")
			}
			scan.encEntry = &e

		case e.Type == image.IMAGE_TLV_SEC_CNT:
			if !e.Protected {
				return nil, util.NewBootError(util.KindBadImage,
					"security counter TLV outside protected table")
			}
			if e.Len != 4 {
				return nil, util.FmtBootError(util.KindBadImage,
					"invalid security counter TLV length %d", e.Len)
			}
			val, err := it.ReadValue(e)
			if err != nil {
				return nil, err
			}
			cnt := binary.LittleEndian.Uint32(val)
			scan.secCnt = &cnt

		case e.Type == image.IMAGE_TLV_DEPENDENCY:
			if !e.Protected {
				return nil, util.NewBootError(util.KindBadImage,
					"dependency TLV outside protected table")
			}
			val, err := it.ReadValue(e)
			if err != nil {
				return nil, err
			}
			dep, err := image.ParseDependency(val)
			if err != nil {
				return nil, err
			}
			scan.deps = append(scan.deps, dep)

		default:
			// BOOT_RECORD, DECOMP_SIZE and vendor TLVs are not consumed
			// by the loader.
		}
	}

	if scan.hashEntry == nil {
		return nil, util.NewBootError(util.KindBadImage,
			"image carries no hash TLV")
	}

	return scan, nil
}

func newImageHash(hashType uint16) (hash.Hash, error) {
	switch hashType {
	case image.IMAGE_TLV_SHA256:
		return sha256.New(), nil
	case image.IMAGE_TLV_SHA384:
		return sha512.New384(), nil
	case image.IMAGE_TLV_SHA512:
		return sha512.New(), nil
	default:
		return nil, util.FmtBootError(util.KindBadImage,
			"unsupported hash TLV type 0x%02x", hashType)
	}
}

func encSchemeForTlv(tlvType uint16) (sec.EncScheme, error) {
	switch tlvType {
	case image.IMAGE_TLV_ENC_RSA2048:
		return sec.ENC_SCHEME_RSA, nil
	case image.IMAGE_TLV_ENC_KW:
		return sec.ENC_SCHEME_KW, nil
	case image.IMAGE_TLV_ENC_EC256:
		return sec.ENC_SCHEME_EC256, nil
	case image.IMAGE_TLV_ENC_X25519:
		return sec.ENC_SCHEME_X25519, nil
	default:
		return 0, util.FmtBootError(util.KindBadImage,
			"unknown encryption TLV type 0x%02x", tlvType)
	}
}

// computeHash digests header ‖ payload ‖ protected-TLVs through the shared
// working buffer.  cek is non-nil when the payload is encrypted on disk;
// the digest is always of the plaintext.
func (ctx *BootContext) computeHash(area *flash.Area, hdr image.ImageHdr,
	hashType uint16, cek []byte) ([]byte, error) {

	h, err := newImageHash(hashType)
	if err != nil {
		return nil, err
	}

	payloadStart := int(hdr.HdrSz)
	payloadEnd := payloadStart + int(hdr.ImgSz)
	end := payloadEnd + int(hdr.ProtectTlvSz)

	off := 0
	for off < end {
		n := util.Min(len(ctx.workBuf), end-off)

		// Keep reads from straddling the payload boundary so decryption
		// offsets stay simple.
		if off < payloadStart {
			n = util.Min(n, payloadStart-off)
		} else if off < payloadEnd {
			n = util.Min(n, payloadEnd-off)
		}

		buf := ctx.workBuf[:n]
		if err := area.Read(off, buf); err != nil {
			return nil, err
		}

		if cek != nil && off >= payloadStart && off < payloadEnd {
			if err := sec.XorCtr(cek, off-payloadStart, buf); err != nil {
				return nil, err
			}
		}

		h.Write(buf)
		ctx.Platform.WatchdogFeed()

		off += n
	}

	return h.Sum(nil), nil
}

// selectKey resolves the verification key for a signature.
func (ctx *BootContext) selectKey(it *image.TlvIter,
	scan *tlvScan) (*sec.PubKey, error) {

	if ctx.Cfg.HwKey {
		// The full key rides in the image; its hash must match the
		// efuse-stored value.
		if scan.pubKey == nil {
			return nil, util.NewBootError(util.KindBadSignature,
				"hw-key build but image carries no public key")
		}
		raw, err := it.ReadValue(*scan.pubKey)
		if err != nil {
			return nil, err
		}
		if !util.FihEq(sec.KeyHash(raw), ctx.Cfg.HwKeyHash).Ok() {
			return nil, util.NewBootError(util.KindBadSignature,
				"image public key does not match efuse hash")
		}
		pk, err := sec.ParsePubKey(raw)
		if err != nil {
			return nil, util.ChildBootError(err)
		}
		return &pk, nil
	}

	if scan.keyHash != nil {
		want, err := it.ReadValue(*scan.keyHash)
		if err != nil {
			return nil, err
		}
		for i := range ctx.Keys {
			if util.FihEq(sec.KeyHash(ctx.Keys[i].Raw), want).Ok() {
				return &ctx.Keys[i], nil
			}
		}
		return nil, util.NewBootError(util.KindBadSignature,
			"keyhash TLV matches no embedded key")
	}

	if len(ctx.Keys) == 1 {
		return &ctx.Keys[0], nil
	}

	return nil, util.NewBootError(util.KindBadSignature,
		"no keyhash TLV and key table is not a singleton")
}

// validateImage runs the verification pipeline over one slot.  cek, when
// non-nil, is a previously unwrapped content key (trailer-cached during an
// interrupted swap); otherwise the key is unwrapped from the ENC TLV on
// demand.
func (ctx *BootContext) validateImage(imageIdx int, area *flash.Area,
	tr *Trailer, slot int, cek []byte) (*verifyInfo, error) {

	limit := area.Size() - tr.Size()

	hdr, err := image.ReadHeader(area, limit)
	if err != nil {
		return nil, err
	}

	if hdr.Flags&image.IMAGE_F_NON_BOOTABLE != 0 {
		return nil, util.FmtBootError(util.KindBadImage,
			"%s: image is marked non-bootable", area.Name())
	}

	it, err := image.NewTlvIter(area, hdr, image.TLV_AREA_ANY, limit)
	if err != nil {
		return nil, err
	}

	scan, err := scanTlvs(it)
	if err != nil {
		return nil, err
	}

	// Secondary-slot images stay encrypted on disk; the primary is
	// plaintext once a swap has finished.
	encOnDisk := hdr.Encrypted() && slot == SLOT_SECONDARY
	if encOnDisk {
		if !ctx.Cfg.EncImages {
			return nil, util.FmtBootError(util.KindBadImage,
				"%s: encrypted image but encryption support disabled",
				area.Name())
		}
		if cek == nil {
			if scan.encEntry == nil {
				return nil, util.FmtBootError(util.KindBadImage,
					"%s: encrypted image carries no ENC TLV", area.Name())
			}
			scheme, err := encSchemeForTlv(scan.encEntry.Type)
			if err != nil {
				return nil, err
			}
			wrapped, err := it.ReadValue(*scan.encEntry)
			if err != nil {
				return nil, err
			}
			cek, err = sec.UnwrapCek(ctx.Kek, scheme, wrapped)
			if err != nil {
				return nil, util.FmtChildBootError(err, util.KindBadImage,
					"%s: CEK unwrap failed: %s", area.Name(), err.Error())
			}
		}
		if len(cek) != hdr.EncKeySize() {
			return nil, util.FmtBootError(util.KindBadImage,
				"%s: CEK length %d disagrees with header flags",
				area.Name(), len(cek))
		}
	} else {
		cek = nil
	}

	digest, err := ctx.computeHash(area, hdr, scan.hashEntry.Type, cek)
	if err != nil {
		return nil, err
	}

	want, err := it.ReadValue(*scan.hashEntry)
	if err != nil {
		return nil, err
	}
	if !util.FihEq(digest, want).Ok() {
		return nil, util.FmtBootError(util.KindBadHash,
			"%s: image hash mismatch", area.Name())
	}

	checkSigs := len(ctx.Keys) > 0 || ctx.Cfg.HwKey
	if scan.sigEntry != nil && checkSigs {
		key, err := ctx.selectKey(it, scan)
		if err != nil {
			return nil, err
		}

		sig, err := it.ReadValue(*scan.sigEntry)
		if err != nil {
			return nil, err
		}

		// The signature check runs twice; a glitch must defeat both.
		if err := key.VerifySig(digest, sig); err != nil {
			return nil, err
		}
		if err := key.VerifySig(digest, sig); err != nil {
			return nil, err
		}
	} else if checkSigs {
		return nil, util.FmtBootError(util.KindBadSignature,
			"%s: image is unsigned", area.Name())
	}

	if scan.secCnt != nil {
		stored, err := ctx.Counter.Get(imageIdx)
		if err == nil {
			// Equal counters are allowed: re-flashing identical firmware.
			if *scan.secCnt < stored {
				return nil, util.FmtBootError(util.KindBadSecurityCounter,
					"%s: security counter %d below stored %d",
					area.Name(), *scan.secCnt, stored)
			}
		} else if err != ErrCounterNotAvailable {
			return nil, util.ChildBootError(err)
		}
	}

	if ctx.Cfg.CheckLoadAddr && slot == SLOT_PRIMARY &&
		hdr.LoadAddr != 0 && hdr.LoadAddr != ctx.Cfg.RunAddr {
		return nil, util.FmtBootError(util.KindBadImage,
			"%s: load address 0x%08x does not match run address 0x%08x",
			area.Name(), hdr.LoadAddr, ctx.Cfg.RunAddr)
	}

	log.Debugf("%s: image %s verified", area.Name(), hdr.Vers.String())

	return &verifyInfo{
		Hdr:    hdr,
		Hash:   digest,
		SecCnt: scan.secCnt,
		Deps:   scan.deps,
		EncCek: cek,
	}, nil
}
