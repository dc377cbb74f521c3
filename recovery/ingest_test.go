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

package recovery_test

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/ugorji/go/codec"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/recovery"
)

func uploadArea(t *testing.T) *flash.Area {
	dev := flash.NewSimDevice(64*1024, 4096, 0xff, 8)

	areas := []flash.AreaDesc{
		{Name: flash.FLASH_AREA_NAME_IMAGE_1, Id: flash.AREA_ID_IMAGE_1,
			Offset: 0, Size: 64 * 1024},
	}
	m, err := flash.NewMap(map[int]flash.Device{0: dev}, areas)
	if err != nil {
		t.Fatal(err)
	}

	area, err := m.Open(flash.AREA_ID_IMAGE_1)
	if err != nil {
		t.Fatal(err)
	}
	return area
}

func encodeFragment(t *testing.T, frag recovery.Fragment) []byte {
	var h codec.CborHandle
	var out []byte
	enc := codec.NewEncoderBytes(&out, &h)
	if err := enc.Encode(frag); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestIngestRoundTrip(t *testing.T) {
	area := uploadArea(t)

	payload := make([]byte, 9001)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	sum := sha256.Sum256(payload)

	g := recovery.NewIngester(area)

	chunk := 700
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}

		frag := recovery.Fragment{
			Image: 0,
			Data:  payload[off:end],
			Off:   off,
		}
		if off == 0 {
			frag.Len = len(payload)
		}
		if end == len(payload) {
			frag.Sha = sum[:]
		}

		if err := g.Ingest(encodeFragment(t, frag)); err != nil {
			t.Fatalf("fragment at %d: %v", off, err)
		}
	}

	if !g.Done() {
		t.Fatal("upload not marked done")
	}

	got := make([]byte, len(payload))
	if err := area.Read(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("slot content differs from upload")
	}
}

func TestIngestRejectsOutOfOrder(t *testing.T) {
	area := uploadArea(t)
	g := recovery.NewIngester(area)

	first := recovery.Fragment{Data: make([]byte, 100), Off: 0, Len: 1000}
	if err := g.Ingest(encodeFragment(t, first)); err != nil {
		t.Fatal(err)
	}

	skip := recovery.Fragment{Data: make([]byte, 100), Off: 500}
	if err := g.Ingest(encodeFragment(t, skip)); err == nil {
		t.Fatal("out-of-order fragment accepted")
	}
}

func TestIngestRejectsBadDigest(t *testing.T) {
	area := uploadArea(t)
	g := recovery.NewIngester(area)

	payload := make([]byte, 600)
	wrong := sha256.Sum256([]byte("something else"))

	frag := recovery.Fragment{
		Data: payload,
		Off:  0,
		Len:  len(payload),
		Sha:  wrong[:],
	}
	if err := g.Ingest(encodeFragment(t, frag)); err == nil {
		t.Fatal("bad digest accepted")
	}
}

func TestIngestRejectsOversize(t *testing.T) {
	area := uploadArea(t)
	g := recovery.NewIngester(area)

	frag := recovery.Fragment{
		Data: make([]byte, 100),
		Off:  0,
		Len:  area.Size() + 1,
	}
	if err := g.Ingest(encodeFragment(t, frag)); err == nil {
		t.Fatal("oversize announcement accepted")
	}
}
