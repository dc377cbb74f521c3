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
	"github.com/mcu-tools/mcuboot-go/util"
)

// Direct-XIP and RAM-load never copy between slots.  The selector ranks
// both slots by version, verifies the best candidate in place, and either
// executes it where it sits or loads it into RAM once.  Revert is a
// matter of slot preference: a tentative slot that was booted once and
// not confirmed loses its trailer magic and the ranking falls back to the
// other slot.
func bootNoSwap(ctx *BootContext) (BootRsp, error) {
	primary, err := ctx.Map.Open(flash.PrimaryID(0))
	if err != nil {
		return BootRsp{}, err
	}
	secondary, err := ctx.Map.Open(flash.SecondaryID(0))
	if err != nil {
		return BootRsp{}, err
	}

	slots := []*flash.Area{primary, secondary}
	trailers := make([]*Trailer, 2)
	for i, area := range slots {
		tr, err := NewTrailer(area, &ctx.Cfg)
		if err != nil {
			return BootRsp{}, err
		}
		trailers[i] = tr
	}

	type rankedSlot struct {
		slot int
		hdr  image.ImageHdr
	}
	var ranked []rankedSlot

	for i, area := range slots {
		hdr, err := image.ReadHeader(area, area.Size()-trailers[i].Size())
		if err != nil {
			log.Debugf("slot %d: no valid header: %s", i, err.Error())
			continue
		}

		// A tentative slot booted once and never confirmed is demoted.
		okState, err := trailers[i].ImageOk()
		if err != nil {
			return BootRsp{}, err
		}
		copyDone, err := trailers[i].CopyDone()
		if err != nil {
			return BootRsp{}, err
		}
		if copyDone == FIELD_SET && okState != FIELD_SET {
			log.Infof("slot %d: unconfirmed after tentative boot; reverting",
				i)
			// Erase the header so the rejected image cannot win the
			// ranking again.
			secs, err := area.Sectors()
			if err != nil {
				return BootRsp{}, err
			}
			if err := area.Erase(secs[0].Off, secs[0].Size); err != nil {
				return BootRsp{}, err
			}
			if err := trailers[i].EraseTrailer(); err != nil {
				return BootRsp{}, err
			}
			continue
		}

		ranked = append(ranked, rankedSlot{slot: i, hdr: hdr})
	}

	// Highest version first.
	for i := 0; i < len(ranked)-1; i++ {
		for j := i + 1; j < len(ranked); j++ {
			if image.CompareVersions(ranked[j].hdr.Vers, ranked[i].hdr.Vers,
				ctx.Cfg.VersionCmpUseBuildNumber) > 0 {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	for _, cand := range ranked {
		area := slots[cand.slot]
		tr := trailers[cand.slot]

		// In-place images are never stored encrypted; validate as a
		// primary regardless of physical slot.
		info, err := ctx.validateImage(0, area, tr, SLOT_PRIMARY, nil)
		if err != nil {
			log.Errorf("slot %d: validation failed: %s",
				cand.slot, err.Error())
			continue
		}

		// Selection, not confirmation, advances the rollback counter
		// here: with no copy there is no later swap-completion point.
		if info.SecCnt != nil {
			if err := updateCounter(ctx, 0, *info.SecCnt); err != nil {
				return BootRsp{}, err
			}
		}

		// First boot of this slot: mark the tentative state so a reset
		// without confirmation falls back.
		copyDone, err := tr.CopyDone()
		if err != nil {
			return BootRsp{}, err
		}
		if copyDone != FIELD_SET {
			magic, err := tr.Magic()
			if err != nil {
				return BootRsp{}, err
			}
			if magic != FIELD_SET {
				if err := tr.WriteMagic(); err != nil {
					return BootRsp{}, err
				}
			}
			if err := tr.WriteCopyDone(); err != nil {
				return BootRsp{}, err
			}
		}

		rsp := BootRsp{
			Image:     0,
			Slot:      cand.slot,
			SwapType:  SWAP_TYPE_NONE,
			EntryAddr: cand.hdr.LoadAddr + uint32(cand.hdr.HdrSz),
		}

		if ctx.Cfg.Strategy == STRATEGY_RAM_LOAD {
			ram := make([]byte, cand.hdr.ImgSz)
			off := 0
			for off < len(ram) {
				span := util.Min(len(ctx.workBuf), len(ram)-off)
				if err := area.Read(int(cand.hdr.HdrSz)+off,
					ctx.workBuf[:span]); err != nil {
					return BootRsp{}, err
				}
				copy(ram[off:off+span], ctx.workBuf[:span])
				ctx.Platform.WatchdogFeed()
				off += span
			}
			rsp.RamImage = ram
			rsp.EntryAddr = cand.hdr.LoadAddr
		}

		return rsp, nil
	}

	return BootRsp{}, util.NewBootError(util.KindNoBootableImage,
		"no slot passed direct-boot validation")
}
