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
	"bytes"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/image"
	"github.com/mcu-tools/mcuboot-go/util"
)

// Scratch swap moves the two slots' contents through a dedicated staging
// area, one sector at a time, from the highest swapped sector down to
// sector zero.  Header sectors therefore move last, which keeps each
// slot's image metadata readable for as long as possible.
//
// Per sector s the cycle is:
//
//	1. erase scratch;          copy primary[s] -> scratch;      mark 0
//	2. erase primary[s];       copy secondary[s] -> primary[s]; mark 1
//	3. erase secondary[s];     copy scratch -> secondary[s];    mark 2
//
// Every mark is written after the move it records, so on resume the first
// sector (scanning in processing order) without mark 2 is the in-flight
// one, and its mark states select the exact step to redo.  Each redo's
// source is still intact: the mark that would have authorized destroying
// it was never written.

func runScratchSwap(st *swapState) error {
	if st.scratch == nil {
		return util.NewBootError(util.KindBadFlashMap,
			"scratch swap requires a scratch area")
	}

	st.logResume()

	if !st.resume {
		if err := st.tr.EraseTrailer(); err != nil {
			return err
		}
		if err := st.tr.WriteSwapInfo(st.swapType, st.imageIdx); err != nil {
			return err
		}
		if err := st.tr.WriteSwapSize(uint32(st.swapSize)); err != nil {
			return err
		}
	}

	if err := st.resolveGeometry(); err != nil {
		return err
	}

	for s := st.nswap - 1; s >= 0; s-- {
		if err := st.processSector(s); err != nil {
			return err
		}
		st.ctx.Platform.WatchdogFeed()
	}

	return st.finish()
}

func (st *swapState) processSector(s int) error {
	m1, err := st.mark(s, STATUS_SECONDARY_IN_PRIMARY)
	if err != nil {
		return err
	}
	m2, err := st.mark(s, STATUS_SCRATCH_IN_SECONDARY)
	if err != nil {
		return err
	}

	if m2 == FIELD_SET {
		return nil
	}

	sector := st.sectors[s]

	if m1 != FIELD_SET {
		m0, err := st.mark(s, STATUS_PRIMARY_IN_SCRATCH)
		if err != nil {
			return err
		}

		if m0 != FIELD_SET {
			if err := eraseRange(st.scratch, 0, sector.Size); err != nil {
				return err
			}
			if err := st.copyRegion(st.primary, sector.Off,
				st.scratch, 0, sector.Size, nil, 0); err != nil {
				return err
			}
			if err := st.tr.WriteStatusMark(s,
				STATUS_PRIMARY_IN_SCRATCH); err != nil {
				return err
			}
		}

		if err := eraseRange(st.primary, sector.Off, sector.Size); err != nil {
			return err
		}
		if err := st.copyRegion(st.secondary, sector.Off,
			st.primary, sector.Off, sector.Size,
			&st.encSecondary, sector.Off); err != nil {
			return err
		}
		if err := st.tr.WriteStatusMark(s,
			STATUS_SECONDARY_IN_PRIMARY); err != nil {
			return err
		}
	}

	if err := eraseRange(st.secondary, sector.Off, sector.Size); err != nil {
		return err
	}
	if err := st.copyRegion(st.scratch, 0,
		st.secondary, sector.Off, sector.Size,
		&st.encPrimary, sector.Off); err != nil {
		return err
	}
	return st.tr.WriteStatusMark(s, STATUS_SCRATCH_IN_SECONDARY)
}

// readHdrLoose parses a header without slot-fit validation; used while
// locating images mid-swap.
func readHdrLoose(area *flash.Area) (image.ImageHdr, bool) {
	return readHdrLooseAt(area, 0)
}

func readHdrLooseAt(area *flash.Area, off int) (image.ImageHdr, bool) {
	var hdr image.ImageHdr

	buf := make([]byte, image.IMAGE_HEADER_SIZE)
	if err := area.Read(off, buf); err != nil {
		return hdr, false
	}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian,
		&hdr); err != nil {
		return hdr, false
	}

	return hdr, hdr.Magic == image.IMAGE_MAGIC
}

// anyProgress reports whether any sector move has been recorded.
func (st *swapState) anyProgress() (bool, error) {
	for s := 0; s < st.nswap; s++ {
		for m := 0; m < statusMarksPerSector; m++ {
			state, err := st.mark(s, m)
			if err != nil {
				return false, err
			}
			if state == FIELD_SET {
				return true, nil
			}
		}
	}
	return false, nil
}

// resolveGeometry establishes the encryption transform for both data
// directions.  Fresh swaps unwrap each slot's CEK from its own ENC TLV
// and cache both in the trailer; resumed swaps recover the keys from the
// trailer and locate the headers from the sector-zero mark state.
func (st *swapState) resolveGeometry() error {
	st.encPrimary = encGeom{}
	st.encSecondary = encGeom{}

	if !st.ctx.Cfg.EncImages {
		return nil
	}

	if !st.resume {
		gP, err := st.slotEncGeom(st.primary, st.tr)
		if err != nil {
			return err
		}
		gS, err := st.slotEncGeom(st.secondary, st.sTr)
		if err != nil {
			return err
		}

		if gP.cek != nil {
			if err := st.tr.WriteEncKey(0, gP.cek); err != nil {
				return err
			}
		}
		if gS.cek != nil {
			if err := st.tr.WriteEncKey(1, gS.cek); err != nil {
				return err
			}
		}

		st.encPrimary = gP
		st.encSecondary = gS
		return nil
	}

	// Sector zero is processed last, so until the very end both headers
	// are readable somewhere; the sector-zero marks say where.
	m0, err := st.mark(0, STATUS_PRIMARY_IN_SCRATCH)
	if err != nil {
		return err
	}
	m1, err := st.mark(0, STATUS_SECONDARY_IN_PRIMARY)
	if err != nil {
		return err
	}
	m2, err := st.mark(0, STATUS_SCRATCH_IN_SECONDARY)
	if err != nil {
		return err
	}

	var hdrNew image.ImageHdr
	var okNew bool
	if m1 == FIELD_SET {
		hdrNew, okNew = readHdrLoose(st.primary)
	} else {
		hdrNew, okNew = readHdrLoose(st.secondary)
	}

	var hdrOld image.ImageHdr
	var okOld bool
	switch {
	case m0 != FIELD_SET:
		hdrOld, okOld = readHdrLoose(st.primary)
	case m2 != FIELD_SET:
		hdrOld, okOld = readHdrLoose(st.scratch)
	default:
		hdrOld, okOld = readHdrLoose(st.secondary)
	}

	progress, err := st.anyProgress()
	if err != nil {
		return err
	}

	if okOld && hdrOld.Encrypted() {
		g, err := st.resumeKey(0, hdrOld, st.primary, st.tr, progress)
		if err != nil {
			return err
		}
		st.encPrimary = g
	}
	if okNew && hdrNew.Encrypted() {
		g, err := st.resumeKey(1, hdrNew, st.secondary, st.sTr, progress)
		if err != nil {
			return err
		}
		st.encSecondary = g
	}

	return nil
}

// resumeKey recovers one cached CEK from the trailer.  A missing or torn
// key slot is treated as encryption-not-yet-available: if no data has
// moved the key is re-unwrapped from the image's own TLV, otherwise the
// swap cannot be reconciled.
func (st *swapState) resumeKey(idx int, hdr image.ImageHdr,
	origin *flash.Area, originTr *Trailer,
	progress bool) (encGeom, error) {

	key, state, err := st.tr.EncKey(idx)
	if err != nil {
		return encGeom{}, err
	}

	if state == FIELD_SET {
		if len(key) != hdr.EncKeySize() {
			return encGeom{}, util.FmtBootError(util.KindCorrupt,
				"trailer enc_key_%d length disagrees with image flags", idx)
		}
		return encGeom{
			start: int(hdr.HdrSz),
			end:   int(hdr.HdrSz) + int(hdr.ImgSz),
			cek:   key,
		}, nil
	}

	log.Warnf("trailer enc_key_%d is %s; re-deriving from image TLV",
		idx, state)

	if progress {
		return encGeom{}, util.FmtBootError(util.KindCorrupt,
			"swap in progress but enc_key_%d unavailable", idx)
	}

	g, err := st.slotEncGeom(origin, originTr)
	if err != nil {
		return encGeom{}, err
	}
	if g.cek != nil {
		if err := st.tr.WriteEncKey(idx, g.cek); err != nil {
			return encGeom{}, err
		}
	}
	return g, nil
}
