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
	"errors"
	"fmt"
)

// ErrPowerCut is returned by a SimDevice once its programmed cut point has
// been reached.  Every subsequent mutation fails with the same error until
// ClearPowerCut is called, modelling a dead board.
var ErrPowerCut = errors.New("simulated power cut")

// SimDevice is a RAM-backed NOR flash model used by tests and the boot
// simulator.  It enforces the contracts the core relies on: aligned writes,
// whole-sector erases, reads of erased bytes yielding the erase value, and
// no reprogramming of a byte with a different value.
//
// A power cut can be scheduled after a number of mutating operations; the
// cutting write is applied only partially, truncated to the device write
// alignment, so resume paths see a torn write exactly the way real hardware
// produces one.
type SimDevice struct {
	data       []byte
	sectors    []Sector
	eraseValue byte
	writeAlign int

	// Work-flash / eeprom emulation: arbitrary rewrites are legal.
	Eeprom bool

	// -1 means no cut scheduled.
	opsUntilCut int
	cut         bool

	// Mutating operations performed so far.
	OpCount int
}

func NewSimDevice(size int, sectorSize int, eraseValue byte,
	writeAlign int) *SimDevice {

	var secs []Sector
	for off := 0; off < size; off += sectorSize {
		secs = append(secs, Sector{Off: off, Size: sectorSize})
	}

	return NewSimDeviceSectors(secs, eraseValue, writeAlign)
}

func NewSimDeviceSectors(sectors []Sector, eraseValue byte,
	writeAlign int) *SimDevice {

	size := 0
	for _, s := range sectors {
		size += s.Size
	}

	d := &SimDevice{
		data:        make([]byte, size),
		sectors:     sectors,
		eraseValue:  eraseValue,
		writeAlign:  writeAlign,
		opsUntilCut: -1,
	}
	for i := range d.data {
		d.data[i] = eraseValue
	}

	return d
}

// SetPowerCut schedules a power failure after n further mutating
// operations; n == 0 cuts on the very next write or erase.
func (d *SimDevice) SetPowerCut(n int) {
	d.opsUntilCut = n
	d.cut = false
}

func (d *SimDevice) ClearPowerCut() {
	d.opsUntilCut = -1
	d.cut = false
}

func (d *SimDevice) Cut() bool {
	return d.cut
}

// Bytes exposes the raw contents for test assertions.
func (d *SimDevice) Bytes() []byte {
	return d.data
}

func (d *SimDevice) Size() int {
	return len(d.data)
}

func (d *SimDevice) EraseValue() byte {
	return d.eraseValue
}

func (d *SimDevice) WriteAlign() int {
	return d.writeAlign
}

func (d *SimDevice) Sectors() []Sector {
	return d.sectors
}

func (d *SimDevice) Read(off int, buf []byte) error {
	if off < 0 || off+len(buf) > len(d.data) {
		return fmt.Errorf("sim: read out of bounds: off=%d len=%d",
			off, len(buf))
	}

	copy(buf, d.data[off:off+len(buf)])
	return nil
}

// mutate accounts one mutating op against the scheduled power cut.  It
// returns the number of bytes of the pending operation that should still be
// applied (-1 for all of them) and whether the device is now dead.
func (d *SimDevice) mutate(opLen int) (int, bool) {
	if d.cut {
		return 0, true
	}

	d.OpCount++

	if d.opsUntilCut < 0 {
		return -1, false
	}

	if d.opsUntilCut == 0 {
		d.cut = true
		// Tear the op at an alignment boundary, halfway through.
		partial := opLen / 2
		partial -= partial % d.writeAlign
		return partial, false
	}

	d.opsUntilCut--
	return -1, false
}

func (d *SimDevice) Write(off int, buf []byte) error {
	if off < 0 || off+len(buf) > len(d.data) {
		return fmt.Errorf("sim: write out of bounds: off=%d len=%d",
			off, len(buf))
	}
	if off%d.writeAlign != 0 || len(buf)%d.writeAlign != 0 {
		return fmt.Errorf("sim: unaligned write: off=%d len=%d align=%d",
			off, len(buf), d.writeAlign)
	}

	partial, dead := d.mutate(len(buf))
	if dead {
		return ErrPowerCut
	}

	n := len(buf)
	if partial >= 0 {
		n = partial
	}

	for i := 0; i < n; i++ {
		old := d.data[off+i]
		legal := d.Eeprom || old == d.eraseValue || old == buf[i]
		if !legal {
			// Programming can only move bits away from the erased state:
			// clear bits on 0xff-erase parts, set bits on 0x00-erase parts.
			if d.eraseValue == 0xff {
				legal = buf[i]&old == buf[i]
			} else {
				legal = buf[i]|old == buf[i]
			}
		}
		if !legal {
			return fmt.Errorf(
				"sim: reprogram of non-erased byte at 0x%x: 0x%02x -> 0x%02x",
				off+i, old, buf[i])
		}
		d.data[off+i] = buf[i]
	}

	if partial >= 0 {
		return ErrPowerCut
	}
	return nil
}

func (d *SimDevice) Erase(off int, size int) error {
	if off < 0 || off+size > len(d.data) {
		return fmt.Errorf("sim: erase out of bounds: off=%d size=%d",
			off, size)
	}

	// Erase range must cover whole sectors.
	covered := 0
	for _, s := range d.sectors {
		if s.Off >= off && s.Off+s.Size <= off+size {
			covered += s.Size
		} else if s.Off < off+size && s.Off+s.Size > off {
			return fmt.Errorf("sim: erase range splits sector at 0x%x", s.Off)
		}
	}
	if covered != size {
		return fmt.Errorf("sim: erase range not sector aligned: off=%d size=%d",
			off, size)
	}

	partial, dead := d.mutate(size)
	if dead {
		return ErrPowerCut
	}

	n := size
	if partial >= 0 {
		n = partial
	}

	for i := 0; i < n; i++ {
		d.data[off+i] = d.eraseValue
	}

	if partial >= 0 {
		return ErrPowerCut
	}
	return nil
}
