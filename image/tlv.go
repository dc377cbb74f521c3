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
	"encoding/binary"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/util"
)

// ReadHeader parses and validates the image header at the start of a flash
// area.  limit is the number of bytes of the area usable by the image
// (slot size minus the trailer reservation); header, body and protected
// TLVs must all fit below it.
func ReadHeader(area *flash.Area, limit int) (ImageHdr, error) {
	var hdr ImageHdr

	buf := make([]byte, IMAGE_HEADER_SIZE)
	if err := area.Read(0, buf); err != nil {
		return hdr, err
	}

	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, util.ChildBootError(err)
	}

	if hdr.Magic != IMAGE_MAGIC {
		return hdr, util.FmtBootError(util.KindBadImage,
			"%s: image magic incorrect; expected 0x%08x, got 0x%08x",
			area.Name(), uint32(IMAGE_MAGIC), hdr.Magic)
	}

	if hdr.HdrSz < IMAGE_HEADER_SIZE {
		return hdr, util.FmtBootError(util.KindBadImage,
			"%s: header size %d too small", area.Name(), hdr.HdrSz)
	}

	if hdr.ImgSz == 0 {
		return hdr, util.FmtBootError(util.KindBadImage,
			"%s: image has zero-length payload", area.Name())
	}

	end := int64(hdr.HdrSz) + int64(hdr.ImgSz) + int64(hdr.ProtectTlvSz)
	if end > int64(limit) {
		return hdr, util.FmtBootError(util.KindBadImage,
			"%s: image (end=0x%x) overflows usable slot size 0x%x",
			area.Name(), end, limit)
	}

	return hdr, nil
}

// TlvArea selects which TLV table(s) an iterator walks.
type TlvArea int

const (
	TLV_AREA_UNPROTECTED TlvArea = iota
	TLV_AREA_PROTECTED
	TLV_AREA_ANY
)

// TlvEntry describes one TLV.  Off is the absolute area offset of the
// value bytes.
type TlvEntry struct {
	Type      uint16
	Off       int
	Len       int
	Protected bool
}

// TlvIter walks the TLV tables that follow an image's payload in flash.
type TlvIter struct {
	area *flash.Area
	sel  TlvArea

	// Current position and end of the table being walked.
	off int
	end int

	// Bounds of both tables, resolved at construction.
	protStart   int
	protEnd     int
	unprotStart int
	unprotEnd   int

	inProt bool
}

func readTlvInfo(area *flash.Area, off int) (ImageTlvInfo, error) {
	var info ImageTlvInfo

	buf := make([]byte, IMAGE_TLV_INFO_SIZE)
	if err := area.Read(off, buf); err != nil {
		return info, err
	}

	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
		return info, util.ChildBootError(err)
	}

	return info, nil
}

// NewTlvIter positions an iterator after the image payload.  limit bounds
// the unprotected table (slot size minus the trailer reservation).
func NewTlvIter(area *flash.Area, hdr ImageHdr, sel TlvArea,
	limit int) (*TlvIter, error) {

	it := &TlvIter{
		area: area,
		sel:  sel,
	}

	base := int(hdr.HdrSz) + int(hdr.ImgSz)

	if hdr.ProtectTlvSz > 0 {
		info, err := readTlvInfo(area, base)
		if err != nil {
			return nil, err
		}
		if info.Magic != IMAGE_TLV_PROT_INFO_MAGIC {
			return nil, util.FmtBootError(util.KindBadImage,
				"%s: protected TLV info magic 0x%04x; expected 0x%04x",
				area.Name(), info.Magic, IMAGE_TLV_PROT_INFO_MAGIC)
		}
		if info.TlvTotLen != hdr.ProtectTlvSz {
			return nil, util.FmtBootError(util.KindBadImage,
				"%s: protected TLV length %d disagrees with header %d",
				area.Name(), info.TlvTotLen, hdr.ProtectTlvSz)
		}

		it.protStart = base + IMAGE_TLV_INFO_SIZE
		it.protEnd = base + int(info.TlvTotLen)
	}

	unprotBase := base + int(hdr.ProtectTlvSz)
	info, err := readTlvInfo(area, unprotBase)
	if err != nil {
		return nil, err
	}
	if info.Magic != IMAGE_TLV_INFO_MAGIC {
		return nil, util.FmtBootError(util.KindBadImage,
			"%s: TLV info magic 0x%04x; expected 0x%04x",
			area.Name(), info.Magic, IMAGE_TLV_INFO_MAGIC)
	}

	it.unprotStart = unprotBase + IMAGE_TLV_INFO_SIZE
	it.unprotEnd = unprotBase + int(info.TlvTotLen)

	if it.unprotEnd > limit {
		return nil, util.FmtBootError(util.KindBadImage,
			"%s: TLV table (end=0x%x) overflows usable slot size 0x%x",
			area.Name(), it.unprotEnd, limit)
	}

	switch sel {
	case TLV_AREA_PROTECTED:
		it.off = it.protStart
		it.end = it.protEnd
		it.inProt = true
	case TLV_AREA_ANY:
		if hdr.ProtectTlvSz > 0 {
			it.off = it.protStart
			it.end = it.protEnd
			it.inProt = true
			break
		}
		fallthrough
	case TLV_AREA_UNPROTECTED:
		it.off = it.unprotStart
		it.end = it.unprotEnd
	}

	return it, nil
}

// ProtTlvEnd returns the absolute end offset of the protected table (the
// end of the hashed region).
func (it *TlvIter) ProtTlvEnd() int {
	return it.protEnd
}

// End returns the absolute end offset of the unprotected table, which is
// the total extent of the image in its slot.
func (it *TlvIter) End() int {
	return it.unprotEnd
}

// Next yields the next entry, or ok=false at the end of the selected
// table(s).
func (it *TlvIter) Next() (TlvEntry, bool, error) {
	for it.off >= it.end {
		if it.inProt && it.sel == TLV_AREA_ANY {
			it.inProt = false
			it.off = it.unprotStart
			it.end = it.unprotEnd
			continue
		}
		return TlvEntry{}, false, nil
	}

	var hdr ImageTlvHdr
	buf := make([]byte, IMAGE_TLV_SIZE)
	if err := it.area.Read(it.off, buf); err != nil {
		return TlvEntry{}, false, err
	}

	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return TlvEntry{}, false, util.ChildBootError(err)
	}

	entry := TlvEntry{
		Type:      hdr.Type,
		Off:       it.off + IMAGE_TLV_SIZE,
		Len:       int(hdr.Len),
		Protected: it.inProt,
	}

	if entry.Off+entry.Len > it.end {
		return TlvEntry{}, false, util.FmtBootError(util.KindBadImage,
			"%s: TLV at 0x%x (len=%d) overruns its table",
			it.area.Name(), it.off, entry.Len)
	}

	it.off = entry.Off + entry.Len

	return entry, true, nil
}

// ReadValue fetches an entry's value bytes.
func (it *TlvIter) ReadValue(entry TlvEntry) ([]byte, error) {
	buf := make([]byte, entry.Len)
	if err := it.area.Read(entry.Off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
