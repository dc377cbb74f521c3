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
	"testing"
)

func simTestMap(t *testing.T, eraseValue byte, align int) (*Map, *SimDevice) {
	dev := NewSimDevice(64*1024, 4096, eraseValue, align)

	areas := []AreaDesc{
		{Name: FLASH_AREA_NAME_IMAGE_0, Id: AREA_ID_IMAGE_0,
			Offset: 0, Size: 32 * 1024},
		{Name: FLASH_AREA_NAME_IMAGE_1, Id: AREA_ID_IMAGE_1,
			Offset: 32 * 1024, Size: 32 * 1024},
	}

	m, err := NewMap(map[int]Device{0: dev}, areas)
	if err != nil {
		t.Fatal(err)
	}

	return m, dev
}

func TestErasedReads(t *testing.T) {
	for _, ev := range []byte{0x00, 0xff} {
		m, _ := simTestMap(t, ev, 4)

		area, err := m.Open(AREA_ID_IMAGE_0)
		if err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, 64)
		if err := area.Read(1000, buf); err != nil {
			t.Fatal(err)
		}
		if !Erased(buf, ev) {
			t.Fatalf("erased flash read back wrong value (ev=0x%02x)", ev)
		}
	}
}

func TestWriteAlignment(t *testing.T) {
	m, _ := simTestMap(t, 0xff, 8)

	area, err := m.Open(AREA_ID_IMAGE_0)
	if err != nil {
		t.Fatal(err)
	}

	if err := area.Write(4, make([]byte, 8)); err == nil {
		t.Fatal("unaligned offset accepted")
	}
	if err := area.Write(8, make([]byte, 5)); err == nil {
		t.Fatal("unaligned length accepted")
	}
	if err := area.Write(8, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
}

func TestReprogramRules(t *testing.T) {
	m, _ := simTestMap(t, 0xff, 4)

	area, err := m.Open(AREA_ID_IMAGE_0)
	if err != nil {
		t.Fatal(err)
	}

	if err := area.Write(0, []byte{0xf0, 0xf0, 0xf0, 0xf0}); err != nil {
		t.Fatal(err)
	}

	// Same value again: fine.
	if err := area.Write(0, []byte{0xf0, 0xf0, 0xf0, 0xf0}); err != nil {
		t.Fatal(err)
	}

	// Clearing bits: fine on 0xff-erase flash.
	if err := area.Write(0, []byte{0x80, 0x80, 0x80, 0x80}); err != nil {
		t.Fatal(err)
	}

	// Setting bits back: not possible without an erase.
	if err := area.Write(0, []byte{0xf0, 0xf0, 0xf0, 0xf0}); err == nil {
		t.Fatal("bit-setting write accepted on 0xff-erase flash")
	}

	if err := area.Erase(0, 4096); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if err := area.Read(0, buf); err != nil {
		t.Fatal(err)
	}
	if !Erased(buf, 0xff) {
		t.Fatal("erase did not restore erase value")
	}
}

func TestEraseWholeSectorsOnly(t *testing.T) {
	m, _ := simTestMap(t, 0xff, 4)

	area, err := m.Open(AREA_ID_IMAGE_0)
	if err != nil {
		t.Fatal(err)
	}

	if err := area.Erase(100, 4096); err == nil {
		t.Fatal("erase splitting a sector accepted")
	}
	if err := area.Erase(4096, 8192); err != nil {
		t.Fatal(err)
	}
}

func TestExclusiveOpen(t *testing.T) {
	m, _ := simTestMap(t, 0xff, 4)

	a, err := m.Open(AREA_ID_IMAGE_0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(AREA_ID_IMAGE_0); err == nil {
		t.Fatal("double open accepted")
	}

	a.Close()
	if _, err := m.Open(AREA_ID_IMAGE_0); err != nil {
		t.Fatal(err)
	}
}

func TestOverlapDetection(t *testing.T) {
	dev := NewSimDevice(64*1024, 4096, 0xff, 4)

	areas := []AreaDesc{
		{Name: "a", Id: 1, Offset: 0, Size: 32 * 1024},
		{Name: "b", Id: 2, Offset: 16 * 1024, Size: 32 * 1024},
	}

	if _, err := NewMap(map[int]Device{0: dev}, areas); err == nil {
		t.Fatal("overlapping areas accepted")
	}
}

func TestPowerCutTearsWrite(t *testing.T) {
	m, dev := simTestMap(t, 0xff, 4)

	area, err := m.Open(AREA_ID_IMAGE_0)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xaa
	}

	dev.SetPowerCut(0)
	if err := area.Write(0, buf); err != ErrPowerCut {
		t.Fatalf("expected ErrPowerCut, got %v", err)
	}
	if !dev.Cut() {
		t.Fatal("device not marked dead")
	}

	// Every further op fails until the cut is cleared.
	if err := area.Write(64, buf); err != ErrPowerCut {
		t.Fatalf("expected ErrPowerCut, got %v", err)
	}

	dev.ClearPowerCut()

	got := make([]byte, 64)
	if err := area.Read(0, got); err != nil {
		t.Fatal(err)
	}

	// The torn write applied a prefix, aligned to the write unit.
	n := 0
	for n < len(got) && got[n] == 0xaa {
		n++
	}
	if n%4 != 0 {
		t.Fatalf("torn write not aligned: %d bytes applied", n)
	}
	for _, b := range got[n:] {
		if b != 0xff {
			t.Fatal("bytes beyond the tear are not erased")
		}
	}
}

func TestSectorIter(t *testing.T) {
	m, _ := simTestMap(t, 0xff, 4)

	area, err := m.Open(AREA_ID_IMAGE_1)
	if err != nil {
		t.Fatal(err)
	}

	secs, err := area.Sectors()
	if err != nil {
		t.Fatal(err)
	}
	if len(secs) != 8 {
		t.Fatalf("expected 8 sectors, got %d", len(secs))
	}
	if secs[0].Off != 0 || secs[0].Size != 4096 {
		t.Fatalf("bad first sector: %+v", secs[0])
	}
	if secs[7].Off != 7*4096 {
		t.Fatalf("bad last sector: %+v", secs[7])
	}
}
