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

	crc16 "github.com/joaojeronimo/go-crc16"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/util"
)

// On devices whose slot erase sectors are too large to afford an in-slot
// trailer, trailers live in a dedicated swap-status area.  Each trailer
// region is split into fixed payload records; every record is stored in
// BOOT_SWAP_STATUS_MULT duplicates, each carrying a copy counter and a
// CRC16.  A read returns the duplicate with the highest counter and a
// valid CRC; a write bumps the counter and targets the next duplicate, so
// a torn write leaves the previous copy intact.
//
// This representation requires a backing device with unrestricted
// rewrites (work-flash / eeprom emulation), which is exactly the class of
// hardware that needs it.
const (
	swapStatusPayloadSz = 16
	swapStatusMult      = 2

	// payload + counter + crc, padded.
	swapStatusRowSz = 32
)

type SwapStatusArea struct {
	area *flash.Area

	// Per-region record counts, fixed at construction.
	records    int
	regionSize int
	regions    int
}

// NewSwapStatusArea sizes the record store: `regions` trailer regions of
// `trailerBytes` each.
func NewSwapStatusArea(area *flash.Area, regions int,
	trailerBytes int) (*SwapStatusArea, error) {

	records := (trailerBytes + swapStatusPayloadSz - 1) / swapStatusPayloadSz
	regionSize := records * swapStatusMult * swapStatusRowSz

	if regionSize*regions > area.Size() {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"%s: swap-status area too small: need %d bytes",
			area.Name(), regionSize*regions)
	}

	return &SwapStatusArea{
		area:       area,
		records:    records,
		regionSize: regionSize,
		regions:    regions,
	}, nil
}

func (s *SwapStatusArea) rowOff(region int, rec int, copy int) int {
	return region*s.regionSize + (rec*swapStatusMult+copy)*swapStatusRowSz
}

// readRecord returns the freshest valid duplicate of one record, its copy
// counter, and whether any valid duplicate exists.
func (s *SwapStatusArea) readRecord(region int,
	rec int) ([]byte, uint32, bool, error) {

	var best []byte
	var bestCnt uint32
	found := false

	row := make([]byte, swapStatusRowSz)
	for copy := 0; copy < swapStatusMult; copy++ {
		if err := s.area.Read(s.rowOff(region, rec, copy), row); err != nil {
			return nil, 0, false, err
		}

		payload := row[:swapStatusPayloadSz]
		counter := binary.LittleEndian.Uint32(
			row[swapStatusPayloadSz : swapStatusPayloadSz+4])
		crc := binary.LittleEndian.Uint16(
			row[swapStatusPayloadSz+4 : swapStatusPayloadSz+6])

		if crc16.Kermit(row[:swapStatusPayloadSz+4]) != crc {
			continue
		}

		if !found || counter > bestCnt {
			best = append([]byte(nil), payload...)
			bestCnt = counter
			found = true
		}
	}

	return best, bestCnt, found, nil
}

// writeRecord stores a new payload version into the duplicate slot after
// the freshest one.
func (s *SwapStatusArea) writeRecord(region int, rec int,
	payload []byte) error {

	util.AssertTrue(len(payload) == swapStatusPayloadSz,
		"swap-status payload size mismatch")

	_, cnt, found, err := s.readRecord(region, rec)
	if err != nil {
		return err
	}

	next := uint32(1)
	if found {
		next = cnt + 1
	}

	row := make([]byte, swapStatusRowSz)
	for i := range row {
		row[i] = s.area.EraseValue()
	}
	copy(row, payload)
	binary.LittleEndian.PutUint32(
		row[swapStatusPayloadSz:swapStatusPayloadSz+4], next)
	crc := crc16.Kermit(row[:swapStatusPayloadSz+4])
	binary.LittleEndian.PutUint16(
		row[swapStatusPayloadSz+4:swapStatusPayloadSz+6], crc)

	copyIdx := int(next) % swapStatusMult
	return s.area.Write(s.rowOff(region, rec, copyIdx), row)
}

// extStore adapts one record region to the trailerStore interface.
type extStore struct {
	status *SwapStatusArea
	region int
	size   int
}

func (s *SwapStatusArea) regionStore(region int,
	size int) (trailerStore, error) {

	if region < 0 || region >= s.regions {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"swap-status region %d out of range", region)
	}
	if (size+swapStatusPayloadSz-1)/swapStatusPayloadSz > s.records {
		return nil, util.FmtBootError(util.KindBadFlashMap,
			"trailer layout exceeds swap-status region")
	}

	return &extStore{
		status: s,
		region: region,
		size:   size,
	}, nil
}

func (e *extStore) eraseValue() byte {
	return e.status.area.EraseValue()
}

func (e *extStore) read(off int, buf []byte) error {
	ev := e.eraseValue()

	for n := 0; n < len(buf); {
		rec := (off + n) / swapStatusPayloadSz
		inRec := (off + n) % swapStatusPayloadSz

		payload, _, found, err := e.status.readRecord(e.region, rec)
		if err != nil {
			return err
		}

		span := util.Min(len(buf)-n, swapStatusPayloadSz-inRec)
		if !found {
			for i := 0; i < span; i++ {
				buf[n+i] = ev
			}
		} else {
			copy(buf[n:n+span], payload[inRec:inRec+span])
		}
		n += span
	}

	return nil
}

func (e *extStore) write(off int, buf []byte) error {
	ev := e.eraseValue()

	for n := 0; n < len(buf); {
		rec := (off + n) / swapStatusPayloadSz
		inRec := (off + n) % swapStatusPayloadSz

		payload, _, found, err := e.status.readRecord(e.region, rec)
		if err != nil {
			return err
		}
		if !found {
			payload = make([]byte, swapStatusPayloadSz)
			for i := range payload {
				payload[i] = ev
			}
		}

		span := util.Min(len(buf)-n, swapStatusPayloadSz-inRec)
		copy(payload[inRec:inRec+span], buf[n:n+span])

		if err := e.status.writeRecord(e.region, rec, payload); err != nil {
			return err
		}
		n += span
	}

	return nil
}

func (e *extStore) eraseAll() error {
	// Rewriting every record with an erased payload resets the region;
	// the extra copy-counter bump is harmless.
	blank := make([]byte, swapStatusPayloadSz)
	for i := range blank {
		blank[i] = e.eraseValue()
	}

	recs := (e.size + swapStatusPayloadSz - 1) / swapStatusPayloadSz
	for rec := 0; rec < recs; rec++ {
		if err := e.status.writeRecord(e.region, rec, blank); err != nil {
			return err
		}
	}
	return nil
}
