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

package boot_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/mcu-tools/mcuboot-go/boot"
	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/image"
	"github.com/mcu-tools/mcuboot-go/sec"
)

const (
	slotSize   = 64 * 1024
	sectorSize = 4 * 1024
)

type env struct {
	t        *testing.T
	dev      *flash.SimDevice
	m        *flash.Map
	key      sec.SignKey
	keys     []sec.PubKey
	counter  *boot.RamCounter
	platform *boot.NopPlatform
	cfg      boot.Config
	kek      sec.Kek
}

func newEnv(t *testing.T, mut func(cfg *boot.Config)) *env {
	cfg := boot.DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}

	dev := flash.NewSimDevice(256*1024, sectorSize, 0xff, 8)

	areas := []flash.AreaDesc{
		{Name: flash.FLASH_AREA_NAME_BOOTLOADER,
			Id: flash.AREA_ID_BOOTLOADER, Offset: 0, Size: 32 * 1024},
		{Name: flash.FLASH_AREA_NAME_IMAGE_0,
			Id: flash.AREA_ID_IMAGE_0, Offset: 32 * 1024, Size: slotSize},
		{Name: flash.FLASH_AREA_NAME_IMAGE_1,
			Id: flash.AREA_ID_IMAGE_1, Offset: 96 * 1024, Size: slotSize},
		{Name: flash.FLASH_AREA_NAME_IMAGE_SCRATCH,
			Id: flash.AREA_ID_SCRATCH, Offset: 160 * 1024,
			Size: sectorSize},
		{Name: flash.FLASH_AREA_NAME_SWAP_STATUS,
			Id: flash.AREA_ID_SWAP_STAT, Offset: 164 * 1024,
			Size: 32 * 1024},
	}
	if cfg.ImageNumber > 1 {
		areas = append(areas,
			flash.AreaDesc{Name: "FLASH_AREA_IMAGE_2",
				Id: flash.PrimaryID(1), Offset: 196 * 1024,
				Size: 16 * 1024},
			flash.AreaDesc{Name: "FLASH_AREA_IMAGE_3",
				Id: flash.SecondaryID(1), Offset: 212 * 1024,
				Size: 16 * 1024})
	}

	m, err := flash.NewMap(map[int]flash.Device{0: dev}, areas)
	if err != nil {
		t.Fatal(err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key := sec.SignKey{Ec: priv}

	raw, err := key.PubBytes()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := sec.ParsePubKey(raw)
	if err != nil {
		t.Fatal(err)
	}

	return &env{
		t:        t,
		dev:      dev,
		m:        m,
		key:      key,
		keys:     []sec.PubKey{pub},
		counter:  boot.NewRamCounter(),
		platform: &boot.NopPlatform{},
		cfg:      cfg,
	}
}

// ctx builds a fresh boot context, modelling one reset.
func (e *env) ctx() *boot.BootContext {
	ctx, err := boot.NewContext(e.cfg, e.m, e.keys, e.kek, e.counter,
		e.platform)
	if err != nil {
		e.t.Fatal(err)
	}
	return ctx
}

func (e *env) boot() (boot.BootRsp, error) {
	return boot.Go(e.ctx())
}

func (e *env) mustBoot() boot.BootRsp {
	rsp, err := e.boot()
	if err != nil {
		e.t.Fatal(err)
	}
	return rsp
}

type imgOpts struct {
	bodyLen int
	secCnt  *uint32
	deps    []image.ImageDependency
	plain   []byte // CEK; image stored encrypted
	wrapped []byte
	encTlv  uint16
	nosign  bool
}

func (e *env) makeImage(version string, opts imgOpts) image.Image {
	vers, err := image.ParseVersion(version)
	if err != nil {
		e.t.Fatal(err)
	}

	if opts.bodyLen == 0 {
		opts.bodyLen = 2048
	}
	body := make([]byte, opts.bodyLen)
	for i := range body {
		body[i] = byte(i*13 + int(vers.Minor))
	}

	ic := image.NewImageCreator()
	ic.Version = vers
	ic.Body = body
	if !opts.nosign {
		ic.SigKeys = []sec.SignKey{e.key}
	}
	ic.SecCounter = opts.secCnt
	ic.Dependencies = opts.deps
	ic.PlainSecret = opts.plain
	ic.CipherSecret = opts.wrapped
	ic.EncTlvType = opts.encTlv

	img, err := ic.Create()
	if err != nil {
		e.t.Fatal(err)
	}
	return img
}

// writeSlot erases a slot and programs an image at its base.
func (e *env) writeSlot(areaId int, img *image.Image) {
	area, err := e.m.Open(areaId)
	if err != nil {
		e.t.Fatal(err)
	}
	defer area.Close()

	secs, err := area.Sectors()
	if err != nil {
		e.t.Fatal(err)
	}
	for _, s := range secs {
		if err := area.Erase(s.Off, s.Size); err != nil {
			e.t.Fatal(err)
		}
	}

	if img == nil {
		return
	}

	data, err := img.Bytes()
	if err != nil {
		e.t.Fatal(err)
	}
	for len(data)%area.Align() != 0 {
		data = append(data, area.EraseValue())
	}
	if err := area.Write(0, data); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) slotVersion(areaId int) string {
	area, err := e.m.Open(areaId)
	if err != nil {
		e.t.Fatal(err)
	}
	defer area.Close()

	hdr, err := image.ReadHeader(area, area.Size())
	if err != nil {
		return ""
	}
	return hdr.Vers.String()
}

func (e *env) swapState(imageIdx int, slot int) boot.TrailerView {
	view, err := boot.ReadSwapState(e.ctx(), imageIdx, slot)
	if err != nil {
		e.t.Fatal(err)
	}
	return view
}

// S1: clean first boot with only the primary populated.
func TestCleanFirstBoot(t *testing.T) {
	e := newEnv(t, nil)

	img := e.makeImage("1.0.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &img)

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_NONE {
		t.Fatalf("swap type %s, want none", rsp.SwapType)
	}
	if rsp.Slot != boot.SLOT_PRIMARY {
		t.Fatalf("boot slot %d", rsp.Slot)
	}
}

// S2: staged upgrade in test mode, then revert on the unconfirmed reboot.
func TestTestUpgradeAndRevert(t *testing.T) {
	e := newEnv(t, nil)

	v1 := e.makeImage("1.0.0.0", imgOpts{})
	v2 := e.makeImage("1.1.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v1)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v2)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_TEST {
		t.Fatalf("swap type %s, want test", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.1.0.0" {
		t.Fatalf("primary holds %s after swap", got)
	}

	view := e.swapState(0, boot.SLOT_PRIMARY)
	if view.CopyDone != boot.FIELD_SET || view.ImageOk == boot.FIELD_SET {
		t.Fatalf("unexpected trailer state %+v", view)
	}

	// Reset without confirmation: revert.
	rsp = e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_REVERT {
		t.Fatalf("swap type %s, want revert", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.0.0.0" {
		t.Fatalf("primary holds %s after revert", got)
	}

	// And the revert outcome is stable.
	rsp = e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_NONE {
		t.Fatalf("swap type %s after revert, want none", rsp.SwapType)
	}
}

// S3: confirmed upgrade survives further resets.
func TestConfirmedUpgrade(t *testing.T) {
	e := newEnv(t, nil)

	v1 := e.makeImage("1.0.0.0", imgOpts{})
	v2 := e.makeImage("1.1.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v1)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v2)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}
	e.mustBoot()

	// The application runs once and commits.
	if err := boot.SetConfirmed(e.ctx(), 0); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_NONE {
		t.Fatalf("swap type %s, want none", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.1.0.0" {
		t.Fatalf("primary holds %s after confirm", got)
	}
	view := e.swapState(0, boot.SLOT_PRIMARY)
	if view.ImageOk != boot.FIELD_SET {
		t.Fatal("image_ok not set after confirm")
	}
}

// Permanent upgrades skip the test phase entirely.
func TestPermanentUpgrade(t *testing.T) {
	e := newEnv(t, nil)

	v1 := e.makeImage("1.0.0.0", imgOpts{})
	v2 := e.makeImage("1.1.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v1)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v2)

	if err := boot.SetPending(e.ctx(), 0, true); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_PERM {
		t.Fatalf("swap type %s, want perm", rsp.SwapType)
	}

	rsp = e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_NONE {
		t.Fatalf("swap type %s on second boot, want none", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.1.0.0" {
		t.Fatalf("primary holds %s", got)
	}
}

// S5: downgrades are refused before any flash is touched.
func TestDowngradeRejected(t *testing.T) {
	e := newEnv(t, nil)

	v2 := e.makeImage("2.0.0.0", imgOpts{})
	v15 := e.makeImage("1.5.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v2)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v15)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_FAIL {
		t.Fatalf("swap type %s, want fail", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "2.0.0.0" {
		t.Fatalf("primary changed to %s", got)
	}
}

// S6: an image that goes bad after the swap is reverted on the next boot.
func TestCorruptPrimaryReverts(t *testing.T) {
	e := newEnv(t, nil)

	v1 := e.makeImage("1.0.0.0", imgOpts{})
	v2 := e.makeImage("1.1.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v1)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v2)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}
	e.mustBoot()

	// Flip a payload bit of the now-primary image behind the loader's
	// back (primary slot starts at 32 KiB; payload after the header).
	e.dev.Bytes()[32*1024+image.IMAGE_HEADER_SIZE+10] ^= 0x01

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_REVERT {
		t.Fatalf("swap type %s, want revert", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.0.0.0" {
		t.Fatalf("primary holds %s after revert", got)
	}
}

// An unsigned candidate never reaches the primary slot.
func TestUnsignedCandidateRejected(t *testing.T) {
	e := newEnv(t, nil)

	v1 := e.makeImage("1.0.0.0", imgOpts{})
	bad := e.makeImage("1.1.0.0", imgOpts{nosign: true})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v1)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &bad)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_FAIL {
		t.Fatalf("swap type %s, want fail", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.0.0.0" {
		t.Fatalf("primary changed to %s", got)
	}
}

// Property 5: staging is idempotent.
func TestSetPendingIdempotent(t *testing.T) {
	e := newEnv(t, nil)

	v2 := e.makeImage("1.1.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v2)

	if err := boot.SetPending(e.ctx(), 0, true); err != nil {
		t.Fatal(err)
	}
	snap := append([]byte(nil), e.dev.Bytes()...)

	if err := boot.SetPending(e.ctx(), 0, true); err != nil {
		t.Fatal(err)
	}

	after := e.dev.Bytes()
	for i := range snap {
		if snap[i] != after[i] {
			t.Fatalf("second SetPending changed flash at 0x%x", i)
		}
	}
}

// Bootstrap: an empty primary is populated from a valid secondary.
func TestBootstrap(t *testing.T) {
	e := newEnv(t, func(cfg *boot.Config) {
		cfg.Bootstrap = true
	})

	img := e.makeImage("1.0.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, nil)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &img)

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_PERM {
		t.Fatalf("swap type %s, want perm", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.0.0.0" {
		t.Fatalf("primary holds %q after bootstrap", got)
	}
}

// Without bootstrap an empty flash is simply unbootable.
func TestNoBootableImage(t *testing.T) {
	e := newEnv(t, nil)

	if _, err := e.boot(); err == nil {
		t.Fatal("boot of empty flash succeeded")
	}
}

// Property 2: the stored counter follows confirmed upgrades and blocks
// stale candidates afterwards.
func TestSecurityCounterEnforcement(t *testing.T) {
	e := newEnv(t, nil)

	one := uint32(1)
	five := uint32(5)
	three := uint32(3)

	v1 := e.makeImage("1.0.0.0", imgOpts{secCnt: &one})
	v2 := e.makeImage("1.1.0.0", imgOpts{secCnt: &five})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &v1)
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v2)

	if err := boot.SetPending(e.ctx(), 0, true); err != nil {
		t.Fatal(err)
	}
	e.mustBoot()

	if got, err := e.counter.Get(0); err != nil || got != 5 {
		t.Fatalf("stored counter %d (%v), want 5", got, err)
	}

	// A higher version with an older counter must be refused.
	v3 := e.makeImage("3.0.0.0", imgOpts{secCnt: &three})
	e.writeSlot(flash.AREA_ID_IMAGE_1, &v3)
	if err := boot.SetPending(e.ctx(), 0, true); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_FAIL {
		t.Fatalf("swap type %s, want fail", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.1.0.0" {
		t.Fatalf("primary holds %s", got)
	}
}

// Unsatisfied dependencies demote the upgrade to a no-op.
func TestDependencyDemotion(t *testing.T) {
	e := newEnv(t, func(cfg *boot.Config) {
		cfg.ImageNumber = 2
	})

	app0 := e.makeImage("1.0.0.0", imgOpts{})
	net0 := e.makeImage("1.0.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &app0)
	e.writeSlot(flash.PrimaryID(1), &net0)

	// The new application requires image 1 at version >= 2.0.0.0, which
	// nothing provides.
	app1 := e.makeImage("1.1.0.0", imgOpts{
		deps: []image.ImageDependency{{
			ImageId: 1,
			Version: image.ImageVersion{Major: 2},
		}},
	})
	e.writeSlot(flash.AREA_ID_IMAGE_1, &app1)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_NONE {
		t.Fatalf("swap type %s, want none", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.0.0.0" {
		t.Fatalf("primary holds %s", got)
	}
}

// The same dependency is satisfied when both images upgrade together.
func TestDependencySatisfiedJointly(t *testing.T) {
	e := newEnv(t, func(cfg *boot.Config) {
		cfg.ImageNumber = 2
	})

	app0 := e.makeImage("1.0.0.0", imgOpts{})
	net0 := e.makeImage("1.0.0.0", imgOpts{})
	e.writeSlot(flash.AREA_ID_IMAGE_0, &app0)
	e.writeSlot(flash.PrimaryID(1), &net0)

	app1 := e.makeImage("1.1.0.0", imgOpts{
		bodyLen: 1024,
		deps: []image.ImageDependency{{
			ImageId: 1,
			Version: image.ImageVersion{Major: 2},
		}},
	})
	net1 := e.makeImage("2.0.0.0", imgOpts{bodyLen: 1024})
	e.writeSlot(flash.AREA_ID_IMAGE_1, &app1)
	e.writeSlot(flash.SecondaryID(1), &net1)

	if err := boot.SetPending(e.ctx(), 0, false); err != nil {
		t.Fatal(err)
	}
	if err := boot.SetPending(e.ctx(), 1, false); err != nil {
		t.Fatal(err)
	}

	rsp := e.mustBoot()
	if rsp.SwapType != boot.SWAP_TYPE_TEST {
		t.Fatalf("swap type %s, want test", rsp.SwapType)
	}
	if got := e.slotVersion(flash.AREA_ID_IMAGE_0); got != "1.1.0.0" {
		t.Fatalf("image 0 primary holds %s", got)
	}
	if got := e.slotVersion(flash.PrimaryID(1)); got != "2.0.0.0" {
		t.Fatalf("image 1 primary holds %s", got)
	}
}
