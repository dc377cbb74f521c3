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
	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/sec"
	"github.com/mcu-tools/mcuboot-go/util"
)

const (
	SLOT_PRIMARY   = 0
	SLOT_SECONDARY = 1
)

// BootContext carries everything the core needs between reset and launch:
// configuration, the flash map, the verification key table, the KEK, the
// security-counter backend and the platform hooks.  There is no other
// mutable global state.
type BootContext struct {
	Cfg      Config
	Map      *flash.Map
	Keys     []sec.PubKey
	Kek      sec.Kek
	Counter  SecurityCounter
	Platform Platform

	// Single statically-sized working buffer shared by hashing and
	// sector copies.
	workBuf []byte
}

func NewContext(cfg Config, fmap *flash.Map, keys []sec.PubKey,
	kek sec.Kek, counter SecurityCounter,
	platform Platform) (*BootContext, error) {

	if cfg.ImageNumber < 1 {
		return nil, util.NewBootError(util.KindBadFlashMap,
			"image number must be at least 1")
	}
	if cfg.MaxImgSectors < 1 {
		return nil, util.NewBootError(util.KindBadFlashMap,
			"max image sectors must be at least 1")
	}
	if cfg.WorkBufSize < 32 {
		return nil, util.NewBootError(util.KindBadFlashMap,
			"work buffer must be at least 32 bytes")
	}
	if cfg.EncImages && cfg.EncKeyLen != 16 && cfg.EncKeyLen != 32 {
		return nil, util.NewBootError(util.KindBadFlashMap,
			"encryption key length must be 16 or 32")
	}
	if cfg.HwKey && len(cfg.HwKeyHash) == 0 {
		return nil, util.NewBootError(util.KindBadFlashMap,
			"hw-key mode requires the efuse key hash")
	}

	for i := 0; i < cfg.ImageNumber; i++ {
		if !fmap.HasArea(flash.PrimaryID(i)) ||
			!fmap.HasArea(flash.SecondaryID(i)) {
			return nil, util.FmtBootError(util.KindBadFlashMap,
				"flash map lacks slots for image %d", i)
		}
	}

	ctx := &BootContext{
		Cfg:      cfg,
		Map:      fmap,
		Keys:     keys,
		Kek:      kek,
		Counter:  counter,
		Platform: platform,
		workBuf:  make([]byte, cfg.WorkBufSize),
	}

	return ctx, nil
}

// BootRsp is the boot decision handed to the platform launcher.
type BootRsp struct {
	Image     int
	Slot      int
	SwapType  SwapType
	EntryAddr uint32

	// Set when the recovery GPIO was asserted or no bootable image
	// remained and recovery is the configured fallback.
	Recovery bool

	// RAM-load strategy only: the verified payload, copied once.
	RamImage []byte
}
