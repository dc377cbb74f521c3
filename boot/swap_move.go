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
	"github.com/mcu-tools/mcuboot-go/image"
	"github.com/mcu-tools/mcuboot-go/util"
)

// Move swap needs no scratch area; instead the primary slot reserves one
// spare sector above the image.  The swap runs in two phases:
//
//	MOVE: for s from last down to 0, copy primary[s] -> primary[s+1].
//	      The primary image ends up shifted up by one sector.  mark 0.
//	SWAP: for s from 0 to last:
//	      erase primary[s];   copy secondary[s]  -> primary[s];   mark 1
//	      erase secondary[s]; copy primary[s+1] -> secondary[s];  mark 2
//
// The swap phase for sector s+1 erases primary[s+1] before refilling it,
// so the shifted copy is consumed exactly once.  All swapped sectors must
// have the same size, or shifting between neighbours would not fit.
//
// When a reset leaves both the shifted copy (primary[s+1]) and the
// original (primary[s]) readable but disagreeing, the shifted copy is
// trusted if and only if its mark was written; an unmarked shift is
// repeated from the original.

func runMoveSwap(st *swapState) error {
	for i := 1; i < st.nswap; i++ {
		if st.sectors[i].Size != st.sectors[0].Size {
			return util.NewBootError(util.KindBadFlashMap,
				"move swap requires uniformly sized sectors")
		}
	}

	// The spare sector, plus the trailer sector for in-slot trailers.
	need := st.nswap + 1
	if st.tr.Size() > 0 {
		need++
	}
	if len(st.sectors) < need {
		return util.FmtBootError(util.KindBadFlashMap,
			"move swap needs %d sectors; slot has %d", need,
			len(st.sectors))
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

	if err := st.resolveMoveGeometry(); err != nil {
		return err
	}

	// MOVE phase, top down.
	for s := st.nswap - 1; s >= 0; s-- {
		if err := st.moveSectorUp(s); err != nil {
			return err
		}
		st.ctx.Platform.WatchdogFeed()
	}

	// SWAP phase, bottom up.
	for s := 0; s < st.nswap; s++ {
		if err := st.swapMovedSector(s); err != nil {
			return err
		}
		st.ctx.Platform.WatchdogFeed()
	}

	// The spare still holds the last shifted sector; clear it.
	spare := st.sectors[st.nswap]
	if err := eraseRange(st.primary, spare.Off, spare.Size); err != nil {
		return err
	}

	return st.finish()
}

func (st *swapState) moveSectorUp(s int) error {
	m0, err := st.mark(s, STATUS_PRIMARY_IN_SCRATCH)
	if err != nil {
		return err
	}
	if m0 == FIELD_SET {
		return nil
	}

	src := st.sectors[s]
	dst := st.sectors[s+1]

	if err := eraseRange(st.primary, dst.Off, dst.Size); err != nil {
		return err
	}
	if err := st.copyRegion(st.primary, src.Off,
		st.primary, dst.Off, src.Size, nil, 0); err != nil {
		return err
	}
	return st.tr.WriteStatusMark(s, STATUS_PRIMARY_IN_SCRATCH)
}

func (st *swapState) swapMovedSector(s int) error {
	sector := st.sectors[s]
	shifted := st.sectors[s+1]

	m1, err := st.mark(s, STATUS_SECONDARY_IN_PRIMARY)
	if err != nil {
		return err
	}
	if m1 != FIELD_SET {
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

	m2, err := st.mark(s, STATUS_SCRATCH_IN_SECONDARY)
	if err != nil {
		return err
	}
	if m2 == FIELD_SET {
		return nil
	}

	if err := eraseRange(st.secondary, sector.Off, sector.Size); err != nil {
		return err
	}
	if err := st.copyRegion(st.primary, shifted.Off,
		st.secondary, sector.Off, sector.Size,
		&st.encPrimary, sector.Off); err != nil {
		return err
	}
	return st.tr.WriteStatusMark(s, STATUS_SCRATCH_IN_SECONDARY)
}

// resolveMoveGeometry mirrors resolveGeometry for the move strategy's
// header locations: the outgoing header sits in primary[0] until swap
// mark 1 of sector zero, then in the shifted sector, then in the
// secondary.
func (st *swapState) resolveMoveGeometry() error {
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
	case m1 != FIELD_SET:
		hdrOld, okOld = readHdrLoose(st.primary)
	case m2 != FIELD_SET:
		hdrOld, okOld = readHdrLooseAt(st.primary, st.sectors[1].Off)
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
