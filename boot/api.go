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
)

// The functions in this file are the published application API: the
// running firmware stages upgrades and confirms itself through them.
// Each trailer field is set by a single aligned write and fields that are
// already set are skipped, so each call is idempotent and repeating it
// after a power cut completes whatever the interrupted call left undone.

// openSlotTrailer opens one slot and its trailer; the returned closer
// releases every handle taken.
func openSlotTrailer(ctx *BootContext, imageIdx int,
	slot int) (*flash.Area, *Trailer, func(), error) {

	id := flash.PrimaryID(imageIdx)
	if slot == SLOT_SECONDARY {
		id = flash.SecondaryID(imageIdx)
	}

	area, err := ctx.Map.Open(id)
	if err != nil {
		return nil, nil, nil, err
	}

	if ctx.Cfg.ExternalStatus {
		statArea, err := ctx.Map.Open(flash.AREA_ID_SWAP_STAT)
		if err != nil {
			area.Close()
			return nil, nil, nil, err
		}
		status, err := NewSwapStatusArea(statArea, 2*ctx.Cfg.ImageNumber,
			TrailerSize(1, ctx.Cfg.MaxImgSectors, cfgEncKeyLen(&ctx.Cfg)))
		if err != nil {
			statArea.Close()
			area.Close()
			return nil, nil, nil, err
		}
		tr, err := NewTrailerExt(status, 2*imageIdx+slot, &ctx.Cfg)
		if err != nil {
			statArea.Close()
			area.Close()
			return nil, nil, nil, err
		}
		closer := func() {
			statArea.Close()
			area.Close()
		}
		return area, tr, closer, nil
	}

	tr, err := NewTrailer(area, &ctx.Cfg)
	if err != nil {
		area.Close()
		return nil, nil, nil, err
	}
	return area, tr, area.Close, nil
}

// SetPending stages the secondary slot's image for upgrade on the next
// boot.  With permanent set, the upgrade skips the test phase.
func SetPending(ctx *BootContext, imageIdx int, permanent bool) error {
	_, tr, closer, err := openSlotTrailer(ctx, imageIdx, SLOT_SECONDARY)
	if err != nil {
		return err
	}
	defer closer()

	magic, err := tr.Magic()
	if err != nil {
		return err
	}
	if magic != FIELD_SET {
		if err := tr.WriteMagic(); err != nil {
			return err
		}
	}

	if permanent {
		ok, err := tr.ImageOk()
		if err != nil {
			return err
		}
		if ok != FIELD_SET {
			if err := tr.WriteImageOk(); err != nil {
				return err
			}
		}
	}

	log.Infof("image %d: upgrade staged (permanent=%v)", imageIdx, permanent)
	return nil
}

// SetConfirmed commits the currently running image: the next boot keeps
// it instead of reverting.  Cached encryption keys are destroyed once the
// commitment is durable.
func SetConfirmed(ctx *BootContext, imageIdx int) error {
	return SetConfirmedSlot(ctx, imageIdx, SLOT_PRIMARY)
}

// SetConfirmedSlot confirms an explicit slot; direct-xip and ram-load
// applications run from either one.
func SetConfirmedSlot(ctx *BootContext, imageIdx int, slot int) error {
	_, tr, closer, err := openSlotTrailer(ctx, imageIdx, slot)
	if err != nil {
		return err
	}
	defer closer()

	magic, err := tr.Magic()
	if err != nil {
		return err
	}
	if magic != FIELD_SET {
		if err := tr.WriteMagic(); err != nil {
			return err
		}
	}

	ok, err := tr.ImageOk()
	if err != nil {
		return err
	}
	if ok != FIELD_SET {
		if err := tr.WriteImageOk(); err != nil {
			return err
		}
	}

	if err := tr.WipeEncKeys(); err != nil {
		return err
	}

	log.Infof("image %d: confirmed", imageIdx)
	return nil
}

// RequestUpgrade is the application-facing alias of SetPending.
func RequestUpgrade(ctx *BootContext, imageIdx int, permanent bool) error {
	return SetPending(ctx, imageIdx, permanent)
}

// ReadSwapState returns the trailer view of one slot.
func ReadSwapState(ctx *BootContext, imageIdx int,
	slot int) (TrailerView, error) {

	_, tr, closer, err := openSlotTrailer(ctx, imageIdx, slot)
	if err != nil {
		return TrailerView{}, err
	}
	defer closer()

	return tr.View()
}
