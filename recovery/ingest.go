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

// Package recovery ingests firmware pushed over the serial/USB recovery
// transport into the secondary slot.  Framing and transport live outside
// the core; this package consumes one CBOR-encoded fragment at a time.
package recovery

import (
	"bytes"
	"crypto/sha256"
	"hash"

	log "github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/util"
)

// Fragment is the recovery upload record: successive payload pieces keyed
// by offset, with the image length on the first fragment and the full
// image digest on the last.
type Fragment struct {
	Image int    `codec:"image"`
	Data  []byte `codec:"data"`
	Len   int    `codec:"len"`
	Off   int    `codec:"off"`
	Sha   []byte `codec:"sha"`
}

var cborHandle codec.CborHandle

// Ingester streams fragments into a slot.  Target sectors are erased
// progressively, each one right before its first byte is written, so the
// transport never stalls behind a whole-slot erase.
type Ingester struct {
	area *flash.Area

	total    int // expected image length; 0 until the first fragment
	received int // payload bytes accepted so far
	written  int // bytes programmed to flash
	erased   int // flash is erased up to this offset
	pending  []byte
	sha      hash.Hash
	done     bool
}

func NewIngester(area *flash.Area) *Ingester {
	return &Ingester{
		area: area,
		sha:  sha256.New(),
	}
}

func (g *Ingester) Done() bool {
	return g.done
}

func (g *Ingester) Received() int {
	return g.received
}

// Ingest accepts one CBOR fragment.  Fragments must arrive in order.
func (g *Ingester) Ingest(raw []byte) error {
	if g.done {
		return util.NewBootError(util.KindBadImage,
			"upload already complete")
	}

	var frag Fragment
	dec := codec.NewDecoderBytes(raw, &cborHandle)
	if err := dec.Decode(&frag); err != nil {
		return util.FmtBootError(util.KindBadImage,
			"invalid recovery fragment: %s", err.Error())
	}

	if frag.Off != g.received {
		return util.FmtBootError(util.KindBadImage,
			"fragment out of order: got offset %d, expected %d",
			frag.Off, g.received)
	}

	if frag.Off == 0 {
		if frag.Len <= 0 {
			return util.NewBootError(util.KindBadImage,
				"first fragment carries no image length")
		}
		if frag.Len > g.area.Size() {
			return util.FmtBootError(util.KindBadImage,
				"image (%d bytes) exceeds slot size %d",
				frag.Len, g.area.Size())
		}
		g.total = frag.Len
		log.Infof("recovery: receiving %d bytes into %s",
			g.total, g.area.Name())
	}

	if g.received+len(frag.Data) > g.total {
		return util.FmtBootError(util.KindBadImage,
			"fragment overruns announced image length %d", g.total)
	}

	g.sha.Write(frag.Data)
	g.pending = append(g.pending, frag.Data...)
	g.received += len(frag.Data)

	if err := g.flush(g.received == g.total); err != nil {
		return err
	}

	if g.received == g.total {
		if len(frag.Sha) > 0 {
			sum := g.sha.Sum(nil)
			if !bytes.Equal(sum, frag.Sha) {
				return util.NewBootError(util.KindBadHash,
					"upload digest mismatch")
			}
		}
		g.done = true
		log.Infof("recovery: upload of %d bytes complete", g.total)
	}

	return nil
}

// flush programs every complete alignment unit in the pending buffer,
// erasing sectors as the write frontier reaches them.
func (g *Ingester) flush(final bool) error {
	align := g.area.Align()

	n := len(g.pending) - len(g.pending)%align
	if final && len(g.pending) > 0 {
		// Pad the tail out to the write alignment.
		for len(g.pending)%align != 0 {
			g.pending = append(g.pending, g.area.EraseValue())
		}
		n = len(g.pending)
	}
	if n == 0 {
		return nil
	}

	if err := g.eraseTo(g.written + n); err != nil {
		return err
	}

	if err := g.area.Write(g.written, g.pending[:n]); err != nil {
		return err
	}
	g.written += n
	g.pending = g.pending[n:]

	return nil
}

func (g *Ingester) eraseTo(limit int) error {
	if limit <= g.erased {
		return nil
	}

	secs, err := g.area.Sectors()
	if err != nil {
		return err
	}

	for _, s := range secs {
		if s.Off+s.Size <= g.erased || s.Off >= limit {
			continue
		}
		if err := g.area.Erase(s.Off, s.Size); err != nil {
			return err
		}
		if s.Off+s.Size > g.erased {
			g.erased = s.Off + s.Size
		}
	}

	return nil
}
