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

package flash

import (
	log "github.com/sirupsen/logrus"

	"github.com/mcu-tools/mcuboot-go/util"
)

// Device is the platform flash driver consumed by the core.  Offsets are
// device-absolute.  Writes must be aligned to WriteAlign; erases must cover
// whole sectors.  Reading an erased byte yields EraseValue.
type Device interface {
	Read(off int, buf []byte) error
	Write(off int, buf []byte) error
	Erase(off int, size int) error
	Size() int
	EraseValue() byte
	WriteAlign() int
	Sectors() []Sector
}

// Map owns the flash-area descriptors and hands out exclusive Area handles.
type Map struct {
	devices map[int]Device
	areas   map[int]AreaDesc
	open    map[int]*Area
}

func NewMap(devices map[int]Device, areas []AreaDesc) (*Map, error) {
	// Validate in a deterministic order so the reported pairs do not
	// depend on how the caller listed its areas.
	overlaps, conflicts := DetectErrors(SortAreasByDevOff(areas))
	if len(overlaps) > 0 || len(conflicts) > 0 {
		return nil, util.NewBootError(util.KindBadFlashMap,
			ErrorText(overlaps, conflicts))
	}

	m := &Map{
		devices: devices,
		areas:   map[int]AreaDesc{},
		open:    map[int]*Area{},
	}

	for _, a := range SortAreasById(areas) {
		dev, ok := devices[a.Device]
		if !ok {
			return nil, util.FmtBootError(util.KindBadFlashMap,
				"area %s references unknown device %d", a.Name, a.Device)
		}
		if a.Offset < 0 || a.Offset+a.Size > dev.Size() {
			return nil, util.FmtBootError(util.KindBadFlashMap,
				"area %s exceeds device bounds", a.Name)
		}
		m.areas[a.Id] = a
	}

	return m, nil
}

func (m *Map) HasArea(id int) bool {
	_, ok := m.areas[id]
	return ok
}

// Open acquires the exclusive handle for an area.  A second open of the
// same area fails until the first handle is closed.
func (m *Map) Open(id int) (*Area, error) {
	desc, ok := m.areas[id]
	if !ok {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"no flash area with id %d", id)
	}

	if m.open[id] != nil {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"flash area %s already open", desc.Name)
	}

	a := &Area{
		desc: desc,
		dev:  m.devices[desc.Device],
		fmap: m,
	}
	m.open[id] = a

	log.Debugf("opened flash area %s (off=0x%x size=0x%x)",
		desc.Name, desc.Offset, desc.Size)

	return a, nil
}

// CloseAll releases every outstanding handle.  Called on all boot exit
// paths, including panic unwind, so a handle is never left acquired across
// the hand-off to the application.
func (m *Map) CloseAll() {
	for id, a := range m.open {
		if a != nil {
			a.closed = true
		}
		delete(m.open, id)
	}
}

// Area is an exclusive handle on one flash area.  All offsets are
// area-relative.
type Area struct {
	desc   AreaDesc
	dev    Device
	fmap   *Map
	closed bool
}

func (a *Area) Close() {
	if a.closed {
		return
	}
	a.closed = true
	delete(a.fmap.open, a.desc.Id)
}

func (a *Area) Name() string {
	return a.desc.Name
}

func (a *Area) Id() int {
	return a.desc.Id
}

func (a *Area) Size() int {
	return a.desc.Size
}

func (a *Area) Align() int {
	return a.dev.WriteAlign()
}

func (a *Area) EraseValue() byte {
	return a.dev.EraseValue()
}

func (a *Area) checkRange(off int, length int) error {
	if a.closed {
		return util.FmtBootError(util.KindFlashIO,
			"%s: operation on closed flash area", a.desc.Name)
	}
	if off < 0 || length < 0 || off+length > a.desc.Size {
		return util.FmtBootError(util.KindFlashIO,
			"%s: range [0x%x, 0x%x) exceeds area size 0x%x",
			a.desc.Name, off, off+length, a.desc.Size)
	}
	return nil
}

func (a *Area) Read(off int, buf []byte) error {
	if err := a.checkRange(off, len(buf)); err != nil {
		return err
	}

	if err := a.dev.Read(a.desc.Offset+off, buf); err != nil {
		return util.FmtChildBootError(err, util.KindFlashIO,
			"%s: read at 0x%x failed: %s", a.desc.Name, off, err.Error())
	}
	return nil
}

func (a *Area) Write(off int, buf []byte) error {
	if err := a.checkRange(off, len(buf)); err != nil {
		return err
	}

	align := a.dev.WriteAlign()
	if off%align != 0 || len(buf)%align != 0 {
		return util.FmtBootError(util.KindFlashIO,
			"%s: unaligned write at 0x%x len %d (align %d)",
			a.desc.Name, off, len(buf), align)
	}

	if err := a.dev.Write(a.desc.Offset+off, buf); err != nil {
		return util.FmtChildBootError(err, util.KindFlashIO,
			"%s: write at 0x%x failed: %s", a.desc.Name, off, err.Error())
	}
	return nil
}

func (a *Area) Erase(off int, size int) error {
	if err := a.checkRange(off, size); err != nil {
		return err
	}

	if err := a.dev.Erase(a.desc.Offset+off, size); err != nil {
		return util.FmtChildBootError(err, util.KindFlashIO,
			"%s: erase at 0x%x failed: %s", a.desc.Name, off, err.Error())
	}
	return nil
}

// Sectors returns the erase-sector layout of the area, area-relative.  The
// area must begin and end on sector boundaries of its backing device.
func (a *Area) Sectors() ([]Sector, error) {
	var secs []Sector

	start := a.desc.Offset
	end := a.desc.Offset + a.desc.Size

	for _, s := range a.dev.Sectors() {
		if s.Off+s.Size <= start || s.Off >= end {
			continue
		}
		if s.Off < start || s.Off+s.Size > end {
			return nil, util.FmtBootError(util.KindBadFlashMap,
				"%s: area boundary splits erase sector at 0x%x",
				a.desc.Name, s.Off)
		}
		secs = append(secs, Sector{Off: s.Off - start, Size: s.Size})
	}

	if len(secs) == 0 {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"%s: area contains no erase sectors", a.desc.Name)
	}

	return secs, nil
}

// LargestSector returns the size of the biggest erase sector in the area.
func (a *Area) LargestSector() (int, error) {
	secs, err := a.Sectors()
	if err != nil {
		return 0, err
	}

	largest := 0
	for _, s := range secs {
		largest = util.Max(largest, s.Size)
	}
	return largest, nil
}

// Erased reports whether buf consists entirely of the erase value.
func Erased(buf []byte, eraseVal byte) bool {
	for _, b := range buf {
		if b != eraseVal {
			return false
		}
	}
	return true
}
