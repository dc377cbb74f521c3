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

// Strategy selects how an upgrade reaches the primary slot.
type Strategy int

const (
	STRATEGY_SWAP_SCRATCH Strategy = iota
	STRATEGY_SWAP_MOVE
	STRATEGY_OVERWRITE_ONLY
	STRATEGY_DIRECT_XIP
	STRATEGY_RAM_LOAD
)

var strategyNameMap = map[Strategy]string{
	STRATEGY_SWAP_SCRATCH:  "swap-scratch",
	STRATEGY_SWAP_MOVE:     "swap-move",
	STRATEGY_OVERWRITE_ONLY: "overwrite-only",
	STRATEGY_DIRECT_XIP:    "direct-xip",
	STRATEGY_RAM_LOAD:      "ram-load",
}

func (s Strategy) String() string {
	name, ok := strategyNameMap[s]
	if !ok {
		return "???"
	}
	return name
}

// Config is the build-time option block.  Every field mirrors a
// compile-time option of the original loader; nothing here changes after
// init.
type Config struct {
	Strategy Strategy

	// Number of updateable images.
	ImageNumber int

	// Upper bound on erase sectors per slot; bounds every trailer
	// structure.
	MaxImgSectors int

	// Working buffer for hashing and sector copies, bytes.  Minimum 32.
	WorkBufSize int

	// Re-verify the primary slot on every boot.
	ValidatePrimarySlot bool

	// If the primary slot is empty or invalid and the secondary holds a
	// valid image, treat it as pending.
	Bootstrap bool

	// Candidate version must be >= the running version.
	DowngradePrevention bool

	// Include the build number in version comparisons.
	VersionCmpUseBuildNumber bool

	// Encrypted-image support.
	EncImages bool

	// Content-encryption key size (16 or 32) used to reserve trailer
	// space.  Only meaningful with EncImages.
	EncKeyLen int

	// Verify against a key-table hash stored in efuse rather than an
	// embedded key table.
	HwKey bool

	// Expected hash of the image public key, from efuse.  Only with HwKey.
	HwKeyHash []byte

	// Verify that a header's load address matches the slot's execution
	// address.
	CheckLoadAddr bool

	// Execution address of the primary slot, for CheckLoadAddr and
	// direct-xip ranking.
	RunAddr uint32

	// Keep the per-slot trailer in a dedicated status area instead of at
	// the slot's high end.
	ExternalStatus bool

	// Fall into serial recovery instead of panicking when no bootable
	// image remains.
	SerialRecovery bool
}

func DefaultConfig() Config {
	return Config{
		Strategy:            STRATEGY_SWAP_SCRATCH,
		ImageNumber:         1,
		MaxImgSectors:       128,
		WorkBufSize:         1024,
		ValidatePrimarySlot: true,
		DowngradePrevention: true,
		EncKeyLen:           16,
	}
}
