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
	"encoding/binary"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/util"
)

// BootMagic marks a valid trailer.  The value is fixed by the trailer
// protocol and shared with the signing/staging tools.
var BootMagic = []byte{
	0x77, 0xc2, 0x95, 0xf3, 0x60, 0xd2, 0xef, 0x7f,
	0x35, 0x52, 0x50, 0x0f, 0x2c, 0xb6, 0x79, 0x80,
}

const bootMagicSize = 16

// Flag fields are programmed with this byte in their first position.  It
// differs from both possible erase values, so a programmed flag is
// recognizable on any part.
const bootFlagSet = 0x01

// FieldState is the result of reading a trailer field.  BAD means the
// field is neither fully erased nor coherently written; a prior write was
// interrupted.
type FieldState int

const (
	FIELD_UNSET FieldState = iota
	FIELD_SET
	FIELD_BAD
)

var fieldStateNameMap = map[FieldState]string{
	FIELD_UNSET: "unset",
	FIELD_SET:   "set",
	FIELD_BAD:   "bad",
}

func (s FieldState) String() string {
	name, ok := fieldStateNameMap[s]
	if !ok {
		return "???"
	}
	return name
}

// SwapType classifies the requested or in-progress operation.  The wire
// values start at 1 so that no valid type collides with a 0x00 erase
// value.
type SwapType int

const (
	SWAP_TYPE_NONE   SwapType = 1
	SWAP_TYPE_TEST   SwapType = 2
	SWAP_TYPE_PERM   SwapType = 3
	SWAP_TYPE_REVERT SwapType = 4
	SWAP_TYPE_FAIL   SwapType = 5
)

var swapTypeNameMap = map[SwapType]string{
	SWAP_TYPE_NONE:   "none",
	SWAP_TYPE_TEST:   "test",
	SWAP_TYPE_PERM:   "perm",
	SWAP_TYPE_REVERT: "revert",
	SWAP_TYPE_FAIL:   "fail",
}

func (t SwapType) String() string {
	name, ok := swapTypeNameMap[t]
	if !ok {
		return "???"
	}
	return name
}

// Per-sector swap progress is recorded as three write-once marks; the
// count of programmed marks encodes the sector's position in the move
// cycle.
const (
	STATUS_PRIMARY_IN_SCRATCH   = 0
	STATUS_SECONDARY_IN_PRIMARY = 1
	STATUS_SCRATCH_IN_SECONDARY = 2
	statusMarksPerSector        = 3
)

func alignUp(n int, align int) int {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + align - rem
}

// trailerStore abstracts where trailer bytes live: at the high end of the
// slot itself, or in a dedicated swap-status area.  Offsets are logical,
// from the start of the trailer layout.
type trailerStore interface {
	read(off int, buf []byte) error
	write(off int, buf []byte) error
	eraseAll() error
	eraseValue() byte
}

// slotStore keeps the trailer in the slot's own flash, below end-of-slot.
type slotStore struct {
	area *flash.Area
	base int
	size int
}

func (s *slotStore) read(off int, buf []byte) error {
	return s.area.Read(s.base+off, buf)
}

func (s *slotStore) write(off int, buf []byte) error {
	return s.area.Write(s.base+off, buf)
}

func (s *slotStore) eraseValue() byte {
	return s.area.EraseValue()
}

func (s *slotStore) eraseAll() error {
	secs, err := s.area.Sectors()
	if err != nil {
		return err
	}

	for _, sec := range secs {
		if sec.Off+sec.Size > s.base {
			if err := s.area.Erase(sec.Off, sec.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

// Trailer provides structured access to the metadata footer of a slot.
// Field order is fixed: fields with the tightest write ordering sit
// closest to the magic.
//
//	end-of-trailer ───────────────────────────
//	 magic          [16 B, in an aligned unit]
//	 image_ok       [1 B padded to align]
//	 copy_done      [1 B padded to align]
//	 swap_info      [1 B padded to align]
//	 swap_size      [4 B padded to align]
//	 swap_status    [max_sectors × 3 marks, each padded to align]
//	 enc_key_1      [padded]   // only if encryption enabled
//	 enc_key_0      [padded]
type Trailer struct {
	st         trailerStore
	align      int
	maxSectors int
	encKeyLen  int // 0 when encryption is disabled

	// Logical layout size and reservation taken out of the slot (zero
	// when the trailer lives in an external status area).
	total    int
	reserved int

	offMagic    int
	offImageOk  int
	offCopyDone int
	offSwapInfo int
	offSwapSize int
	offStatus   int // mark 0 of sector 0
	offEncKey   [2]int
}

// TrailerSize returns the number of bytes the trailer layout occupies.
func TrailerSize(align int, maxSectors int, encKeyLen int) int {
	size := alignUp(bootMagicSize, align)
	size += 3 * align // image_ok, copy_done, swap_info
	size += alignUp(4, align)
	size += maxSectors * statusMarksPerSector * align
	if encKeyLen > 0 {
		size += 2 * alignUp(encKeyLen, align)
	}
	return size
}

func cfgEncKeyLen(cfg *Config) int {
	if cfg.EncImages {
		return cfg.EncKeyLen
	}
	return 0
}

func newTrailerLayout(st trailerStore, align int, cfg *Config) *Trailer {
	encKeyLen := cfgEncKeyLen(cfg)

	t := &Trailer{
		st:         st,
		align:      align,
		maxSectors: cfg.MaxImgSectors,
		encKeyLen:  encKeyLen,
		total:      TrailerSize(align, cfg.MaxImgSectors, encKeyLen),
	}

	t.offMagic = t.total - alignUp(bootMagicSize, align)
	t.offImageOk = t.offMagic - align
	t.offCopyDone = t.offImageOk - align
	t.offSwapInfo = t.offCopyDone - align
	t.offSwapSize = t.offSwapInfo - alignUp(4, align)
	t.offStatus = t.offSwapSize - cfg.MaxImgSectors*statusMarksPerSector*align

	if encKeyLen > 0 {
		keySlot := alignUp(encKeyLen, align)
		t.offEncKey[1] = t.offStatus - keySlot
		t.offEncKey[0] = t.offEncKey[1] - keySlot
	}

	return t
}

// NewTrailer builds the in-slot trailer view of a slot.
func NewTrailer(area *flash.Area, cfg *Config) (*Trailer, error) {
	align := area.Align()
	total := TrailerSize(align, cfg.MaxImgSectors, cfgEncKeyLen(cfg))

	if total > area.Size() {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"%s: slot too small for boot trailer", area.Name())
	}

	st := &slotStore{
		area: area,
		base: area.Size() - total,
		size: total,
	}

	t := newTrailerLayout(st, align, cfg)
	t.reserved = total
	return t, nil
}

// NewTrailerExt builds a trailer view backed by a record region of a
// dedicated swap-status area.  The slot itself reserves nothing.
func NewTrailerExt(status *SwapStatusArea, region int,
	cfg *Config) (*Trailer, error) {

	align := 1 // record payloads impose no alignment on callers

	st, err := status.regionStore(region,
		TrailerSize(align, cfg.MaxImgSectors, cfgEncKeyLen(cfg)))
	if err != nil {
		return nil, err
	}

	t := newTrailerLayout(st, align, cfg)
	t.reserved = 0
	return t, nil
}

// Size returns the slot-space reservation; image content must stay below
// area.Size() - Size().
func (t *Trailer) Size() int {
	return t.reserved
}

// Magic classifies the trailer magic: SET on an exact match, UNSET when
// fully erased, BAD otherwise (treated as not present by callers).
func (t *Trailer) Magic() (FieldState, error) {
	unit := alignUp(bootMagicSize, t.align)
	buf := make([]byte, unit)
	if err := t.st.read(t.offMagic, buf); err != nil {
		return FIELD_BAD, err
	}

	magic := buf[unit-bootMagicSize:]
	match := true
	for i, b := range magic {
		if b != BootMagic[i] {
			match = false
			break
		}
	}
	if match {
		return FIELD_SET, nil
	}

	if flash.Erased(buf, t.st.eraseValue()) {
		return FIELD_UNSET, nil
	}

	return FIELD_BAD, nil
}

func (t *Trailer) WriteMagic() error {
	unit := alignUp(bootMagicSize, t.align)
	buf := make([]byte, unit)
	for i := range buf {
		buf[i] = t.st.eraseValue()
	}
	copy(buf[unit-bootMagicSize:], BootMagic)

	return t.st.write(t.offMagic, buf)
}

// readFlag classifies one padded flag field.
func (t *Trailer) readFlag(off int) (FieldState, error) {
	buf := make([]byte, t.align)
	if err := t.st.read(off, buf); err != nil {
		return FIELD_BAD, err
	}

	ev := t.st.eraseValue()
	if flash.Erased(buf, ev) {
		return FIELD_UNSET, nil
	}
	if buf[0] != ev {
		return FIELD_SET, nil
	}

	// First byte erased but the unit is not: a torn write.
	return FIELD_BAD, nil
}

func (t *Trailer) writeFlag(off int) error {
	buf := make([]byte, t.align)
	for i := range buf {
		buf[i] = bootFlagSet
	}
	return t.st.write(off, buf)
}

func (t *Trailer) ImageOk() (FieldState, error) {
	return t.readFlag(t.offImageOk)
}

func (t *Trailer) WriteImageOk() error {
	return t.writeFlag(t.offImageOk)
}

func (t *Trailer) CopyDone() (FieldState, error) {
	return t.readFlag(t.offCopyDone)
}

func (t *Trailer) WriteCopyDone() error {
	return t.writeFlag(t.offCopyDone)
}

// SwapInfo returns the recorded swap type and image number.
func (t *Trailer) SwapInfo() (SwapType, int, FieldState, error) {
	buf := make([]byte, t.align)
	if err := t.st.read(t.offSwapInfo, buf); err != nil {
		return SWAP_TYPE_NONE, 0, FIELD_BAD, err
	}

	if flash.Erased(buf, t.st.eraseValue()) {
		return SWAP_TYPE_NONE, 0, FIELD_UNSET, nil
	}

	swapType := SwapType(buf[0] & 0x0f)
	imageNum := int(buf[0] >> 4)

	if swapType < SWAP_TYPE_NONE || swapType > SWAP_TYPE_FAIL {
		return SWAP_TYPE_NONE, 0, FIELD_BAD, nil
	}

	return swapType, imageNum, FIELD_SET, nil
}

func (t *Trailer) WriteSwapInfo(swapType SwapType, imageNum int) error {
	buf := make([]byte, t.align)
	for i := range buf {
		buf[i] = t.st.eraseValue()
	}
	buf[0] = byte(swapType)&0x0f | byte(imageNum)<<4

	return t.st.write(t.offSwapInfo, buf)
}

// SwapSize returns the recorded byte count of the in-flight swap.
func (t *Trailer) SwapSize() (uint32, FieldState, error) {
	buf := make([]byte, alignUp(4, t.align))
	if err := t.st.read(t.offSwapSize, buf); err != nil {
		return 0, FIELD_BAD, err
	}

	if flash.Erased(buf, t.st.eraseValue()) {
		return 0, FIELD_UNSET, nil
	}

	return binary.LittleEndian.Uint32(buf[:4]), FIELD_SET, nil
}

func (t *Trailer) WriteSwapSize(size uint32) error {
	buf := make([]byte, alignUp(4, t.align))
	for i := range buf {
		buf[i] = t.st.eraseValue()
	}
	binary.LittleEndian.PutUint32(buf[:4], size)

	return t.st.write(t.offSwapSize, buf)
}

// StatusMark reads one per-sector progress mark.
func (t *Trailer) StatusMark(sector int, mark int) (FieldState, error) {
	util.AssertTrue(sector < t.maxSectors, "sector index out of range")
	util.AssertTrue(mark < statusMarksPerSector, "mark index out of range")

	off := t.offStatus + (sector*statusMarksPerSector+mark)*t.align
	return t.readFlag(off)
}

func (t *Trailer) WriteStatusMark(sector int, mark int) error {
	util.AssertTrue(sector < t.maxSectors, "sector index out of range")
	util.AssertTrue(mark < statusMarksPerSector, "mark index out of range")

	off := t.offStatus + (sector*statusMarksPerSector+mark)*t.align
	return t.writeFlag(off)
}

// EncKey reads a stored content-encryption key.  An erased slot and a
// wiped key both read as UNSET.  A slot whose key bytes are still erased
// while its alignment padding is programmed reads as BAD; any other
// content reads as SET, so a partly programmed key is not detected here.
func (t *Trailer) EncKey(idx int) ([]byte, FieldState, error) {
	util.AssertTrue(t.encKeyLen > 0, "encryption disabled")
	util.AssertTrue(idx < 2, "enc key index out of range")

	buf := make([]byte, alignUp(t.encKeyLen, t.align))
	if err := t.st.read(t.offEncKey[idx], buf); err != nil {
		return nil, FIELD_BAD, err
	}

	ev := t.st.eraseValue()
	if flash.Erased(buf, ev) {
		return nil, FIELD_UNSET, nil
	}

	key := buf[:t.encKeyLen]
	if flash.Erased(key, keyWipeFill(ev)) {
		return nil, FIELD_UNSET, nil
	}
	if flash.Erased(key, ev) {
		// Only the padding carries data: a torn write.
		return nil, FIELD_BAD, nil
	}

	return key, FIELD_SET, nil
}

func (t *Trailer) WriteEncKey(idx int, key []byte) error {
	util.AssertTrue(t.encKeyLen > 0, "encryption disabled")
	util.AssertTrue(len(key) == t.encKeyLen, "enc key length mismatch")

	buf := make([]byte, alignUp(t.encKeyLen, t.align))
	for i := range buf {
		buf[i] = t.st.eraseValue()
	}
	copy(buf, key)

	return t.st.write(t.offEncKey[idx], buf)
}

// keyWipeFill is the pattern a wiped key is programmed with: every bit
// moved to its fully-programmed state, which flash permits over existing
// data.
func keyWipeFill(eraseValue byte) byte {
	if eraseValue == 0x00 {
		return 0xff
	}
	return 0x00
}

// WipeEncKeys destroys stored keys.  The containing sector is erased
// later, when the trailer as a whole is reset; the wipe makes the window
// in between harmless.
func (t *Trailer) WipeEncKeys() error {
	if t.encKeyLen == 0 {
		return nil
	}

	fill := keyWipeFill(t.st.eraseValue())

	buf := make([]byte, alignUp(t.encKeyLen, t.align))
	for i := range buf {
		buf[i] = fill
	}

	for idx := 0; idx < 2; idx++ {
		if err := t.st.write(t.offEncKey[idx], buf); err != nil {
			return err
		}
	}
	return nil
}

// EraseTrailer resets every field to UNSET.
func (t *Trailer) EraseTrailer() error {
	return t.st.eraseAll()
}

// TrailerView is the aggregate read of a slot trailer exposed to the
// application API.
type TrailerView struct {
	Magic    FieldState
	ImageOk  FieldState
	CopyDone FieldState
	SwapType SwapType
	ImageNum int
	SwapSize uint32
}

func (t *Trailer) View() (TrailerView, error) {
	var v TrailerView
	var err error

	if v.Magic, err = t.Magic(); err != nil {
		return v, err
	}
	if v.ImageOk, err = t.ImageOk(); err != nil {
		return v, err
	}
	if v.CopyDone, err = t.CopyDone(); err != nil {
		return v, err
	}

	swapType, imageNum, state, err := t.SwapInfo()
	if err != nil {
		return v, err
	}
	if state == FIELD_SET {
		v.SwapType = swapType
		v.ImageNum = imageNum
	} else {
		v.SwapType = SWAP_TYPE_NONE
	}

	size, _, err := t.SwapSize()
	if err != nil {
		return v, err
	}
	v.SwapSize = size

	return v, nil
}
