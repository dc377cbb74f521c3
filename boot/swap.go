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
	log "github.com/sirupsen/logrus"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/image"
	"github.com/mcu-tools/mcuboot-go/sec"
	"github.com/mcu-tools/mcuboot-go/util"
)

// encGeom locates the encrypted byte range of one slot's image and the
// key that transforms it.  cek == nil means the range is plaintext.
type encGeom struct {
	start int
	end   int
	cek   []byte
}

// transform applies the AES-CTR keystream to the part of buf that lies in
// the encrypted payload range.  slotOff is the slot offset of buf[0].
func (g *encGeom) transform(buf []byte, slotOff int) error {
	if g == nil || g.cek == nil {
		return nil
	}

	lo := util.Max(slotOff, g.start)
	hi := util.Min(slotOff+len(buf), g.end)
	if lo >= hi {
		return nil
	}

	return sec.XorCtr(g.cek, lo-g.start, buf[lo-slotOff:hi-slotOff])
}

// swapState is the in-RAM context of one swap execution, fresh or
// resumed.
type swapState struct {
	ctx      *BootContext
	imageIdx int

	primary   *flash.Area
	secondary *flash.Area
	scratch   *flash.Area

	// Bookkeeping trailer (primary slot or its status-area region), and
	// the secondary's trailer for the final request clear.
	tr  *Trailer
	sTr *Trailer

	swapType SwapType
	resume   bool

	swapSize int
	sectors  []flash.Sector
	nswap    int

	// Transform geometry for data leaving the primary (re-encrypt) and
	// data leaving the secondary (decrypt).
	encPrimary   encGeom
	encSecondary encGeom
}

// imageTotalSize returns the full extent of a slot's image, through the
// end of its unprotected TLV table.
func imageTotalSize(area *flash.Area, tr *Trailer) (int, error) {
	limit := area.Size() - tr.Size()

	hdr, err := image.ReadHeader(area, limit)
	if err != nil {
		return 0, err
	}

	it, err := image.NewTlvIter(area, hdr, image.TLV_AREA_UNPROTECTED, limit)
	if err != nil {
		return 0, err
	}

	return it.End(), nil
}

func sectorsEqual(a []flash.Sector, b []flash.Sector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newSwapState(ctx *BootContext, imageIdx int, primary *flash.Area,
	secondary *flash.Area, scratch *flash.Area, tr *Trailer, sTr *Trailer,
	swapType SwapType, resume bool) (*swapState, error) {

	st := &swapState{
		ctx:       ctx,
		imageIdx:  imageIdx,
		primary:   primary,
		secondary: secondary,
		scratch:   scratch,
		tr:        tr,
		sTr:       sTr,
		swapType:  swapType,
		resume:    resume,
	}

	pSecs, err := primary.Sectors()
	if err != nil {
		return nil, err
	}
	sSecs, err := secondary.Sectors()
	if err != nil {
		return nil, err
	}
	if !sectorsEqual(pSecs, sSecs) {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"slot sector layouts differ; swap requires identical layouts")
	}
	st.sectors = pSecs

	if len(pSecs) > ctx.Cfg.MaxImgSectors {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"slot has %d sectors; max is %d", len(pSecs),
			ctx.Cfg.MaxImgSectors)
	}

	if scratch != nil {
		largest := 0
		for _, s := range pSecs {
			largest = util.Max(largest, s.Size)
		}
		if scratch.Size() < largest {
			return nil, util.FmtBootError(util.KindBadFlashMap,
				"scratch (%d bytes) smaller than largest sector (%d bytes)",
				scratch.Size(), largest)
		}
	}

	if err := st.resolveSwapSize(); err != nil {
		return nil, err
	}

	return st, nil
}

// resolveSwapSize recovers (on resume) or computes (fresh) the number of
// bytes being swapped and the sector count covering them.
func (st *swapState) resolveSwapSize() error {
	if st.resume {
		size, state, err := st.tr.SwapSize()
		if err != nil {
			return err
		}
		if state == FIELD_SET {
			st.swapSize = int(size)
			return st.sizeToSectors()
		}
		// Crash before the swap size was recorded: nothing has been
		// moved, restart as fresh.
		st.resume = false
	}

	pSize, pErr := imageTotalSize(st.primary, st.tr)
	sSize, sErr := imageTotalSize(st.secondary, st.sTr)
	if pErr != nil && sErr != nil {
		return util.NewBootError(util.KindBadImage,
			"neither slot holds a sized image")
	}

	st.swapSize = util.Max(pSize, sSize)
	return st.sizeToSectors()
}

func (st *swapState) sizeToSectors() error {
	covered := 0
	st.nswap = 0
	for _, s := range st.sectors {
		if covered >= st.swapSize {
			break
		}
		covered += s.Size
		st.nswap++
	}

	if st.nswap == 0 {
		return util.NewBootError(util.KindBadImage, "zero-length swap")
	}

	// The final sector hosts the in-slot trailer and is never swapped.
	if st.tr.Size() > 0 && st.nswap > len(st.sectors)-1 {
		return util.FmtBootError(util.KindBadFlashMap,
			"image extends into the trailer sector; cannot swap")
	}

	return nil
}

// copyRegion moves size bytes through the working buffer, applying the
// optional transform keyed by destination-slot offsets.
func (st *swapState) copyRegion(src *flash.Area, srcOff int,
	dst *flash.Area, dstOff int, size int,
	geom *encGeom, slotBase int) error {

	buf := st.ctx.workBuf

	for n := 0; n < size; {
		span := util.Min(len(buf), size-n)
		chunk := buf[:span]

		if err := src.Read(srcOff+n, chunk); err != nil {
			return err
		}
		if err := geom.transform(chunk, slotBase+n); err != nil {
			return err
		}
		if err := dst.Write(dstOff+n, chunk); err != nil {
			return err
		}

		st.ctx.Platform.WatchdogFeed()
		n += span
	}

	return nil
}

// eraseRange erases the sectors of an area overlapping [off, off+size).
func eraseRange(area *flash.Area, off int, size int) error {
	secs, err := area.Sectors()
	if err != nil {
		return err
	}

	for _, s := range secs {
		if s.Off < off+size && s.Off+s.Size > off {
			if err := area.Erase(s.Off, s.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

// slotEncGeom builds the transform geometry for one slot from its header,
// unwrapping the slot's CEK from its own ENC TLV.
func (st *swapState) slotEncGeom(area *flash.Area,
	tr *Trailer) (encGeom, error) {

	limit := area.Size() - tr.Size()

	hdr, err := image.ReadHeader(area, limit)
	if err != nil {
		// No parseable image (bootstrap): nothing to transform.
		return encGeom{}, nil
	}

	if !hdr.Encrypted() {
		return encGeom{}, nil
	}
	if !st.ctx.Cfg.EncImages {
		return encGeom{}, util.FmtBootError(util.KindBadImage,
			"%s: encrypted image but encryption support disabled",
			area.Name())
	}

	it, err := image.NewTlvIter(area, hdr, image.TLV_AREA_UNPROTECTED, limit)
	if err != nil {
		return encGeom{}, err
	}

	var cek []byte
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return encGeom{}, err
		}
		if !ok {
			break
		}
		if !image.ImageTlvTypeIsEnc(entry.Type) {
			continue
		}

		scheme, err := encSchemeForTlv(entry.Type)
		if err != nil {
			return encGeom{}, err
		}
		wrapped, err := it.ReadValue(entry)
		if err != nil {
			return encGeom{}, err
		}
		cek, err = sec.UnwrapCek(st.ctx.Kek, scheme, wrapped)
		if err != nil {
			return encGeom{}, util.FmtChildBootError(err, util.KindBadImage,
				"%s: CEK unwrap failed: %s", area.Name(), err.Error())
		}
		break
	}

	if cek == nil {
		return encGeom{}, util.FmtBootError(util.KindBadImage,
			"%s: encrypted image carries no ENC TLV", area.Name())
	}
	if len(cek) != hdr.EncKeySize() {
		return encGeom{}, util.FmtBootError(util.KindBadImage,
			"%s: CEK length %d disagrees with header flags",
			area.Name(), len(cek))
	}

	return encGeom{
		start: int(hdr.HdrSz),
		end:   int(hdr.HdrSz) + int(hdr.ImgSz),
		cek:   cek,
	}, nil
}

func (st *swapState) mark(sector int, mark int) (FieldState, error) {
	state, err := st.tr.StatusMark(sector, mark)
	if err != nil {
		return FIELD_UNSET, err
	}
	// A torn mark means its data move may or may not have completed;
	// the move is redone from the still-intact source.
	if state == FIELD_BAD {
		state = FIELD_UNSET
	}
	return state, nil
}

func (st *swapState) logResume() {
	if st.resume {
		log.Infof("image %d: resuming interrupted %s swap (%d bytes)",
			st.imageIdx, st.swapType, st.swapSize)
	} else {
		log.Infof("image %d: starting %s swap (%d bytes, %d sectors)",
			st.imageIdx, st.swapType, st.swapSize, st.nswap)
	}
}

// finish publishes the completed swap: copy_done, then the trailer magic,
// then (for permanent outcomes) image_ok, and finally clears the request
// from the secondary trailer.
func (st *swapState) finish() error {
	if err := st.tr.WriteCopyDone(); err != nil {
		return err
	}

	magic, err := st.tr.Magic()
	if err != nil {
		return err
	}
	if magic != FIELD_SET {
		if err := st.tr.WriteMagic(); err != nil {
			return err
		}
	}

	if st.swapType == SWAP_TYPE_PERM || st.swapType == SWAP_TYPE_REVERT {
		ok, err := st.tr.ImageOk()
		if err != nil {
			return err
		}
		if ok != FIELD_SET {
			if err := st.tr.WriteImageOk(); err != nil {
				return err
			}
		}
	}

	if err := st.sTr.EraseTrailer(); err != nil {
		return err
	}

	log.Infof("image %d: %s swap complete", st.imageIdx, st.swapType)
	return nil
}
