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

// imageState is the per-image working set of the boot selector.
type imageState struct {
	idx       int
	primary   *flash.Area
	secondary *flash.Area
	pTr       *Trailer
	sTr       *Trailer
	pView     TrailerView
	sView     TrailerView

	swapType SwapType
	resume   bool

	candInfo *verifyInfo
	primInfo *verifyInfo
}

// Go runs the whole boot decision: read trailers, classify, execute or
// resume swaps, verify the result, and hand back the launch target.  It
// is the single point that decides between fall-back, revert and failure.
func Go(ctx *BootContext) (BootRsp, error) {
	defer ctx.Map.CloseAll()

	if ctx.Platform.RecoveryRequested() {
		log.Infof("recovery requested by pin; skipping boot")
		return BootRsp{Recovery: true}, nil
	}

	switch ctx.Cfg.Strategy {
	case STRATEGY_DIRECT_XIP, STRATEGY_RAM_LOAD:
		rsp, err := bootNoSwap(ctx)
		return ctx.demoteToRecovery(rsp, err)
	default:
		rsp, err := bootSwapped(ctx)
		return ctx.demoteToRecovery(rsp, err)
	}
}

// Run is the reset entry: boot, then launch or panic.  It only returns
// for recovery (and in the simulator, whose launch hook returns).
func Run(ctx *BootContext) BootRsp {
	rsp, err := Go(ctx)
	if err != nil {
		ctx.Platform.Panic(err.Error())
		return rsp
	}
	if rsp.Recovery {
		return rsp
	}

	if err := ctx.Platform.Launch(rsp.EntryAddr, rsp.Image,
		rsp.Slot); err != nil {
		ctx.Platform.Panic(err.Error())
	}
	return rsp
}

func (ctx *BootContext) demoteToRecovery(rsp BootRsp,
	err error) (BootRsp, error) {

	if err != nil && util.ErrKind(err) == util.KindNoBootableImage &&
		ctx.Cfg.SerialRecovery {
		log.Errorf("no bootable image; entering serial recovery")
		return BootRsp{Recovery: true}, nil
	}
	return rsp, err
}

func bootSwapped(ctx *BootContext) (BootRsp, error) {
	var scratch *flash.Area
	if ctx.Cfg.Strategy == STRATEGY_SWAP_SCRATCH {
		var err error
		scratch, err = ctx.Map.Open(flash.AREA_ID_SCRATCH)
		if err != nil {
			return BootRsp{}, err
		}
	}

	var status *SwapStatusArea
	if ctx.Cfg.ExternalStatus {
		area, err := ctx.Map.Open(flash.AREA_ID_SWAP_STAT)
		if err != nil {
			return BootRsp{}, err
		}
		status, err = NewSwapStatusArea(area, 2*ctx.Cfg.ImageNumber,
			TrailerSize(1, ctx.Cfg.MaxImgSectors, cfgEncKeyLen(&ctx.Cfg)))
		if err != nil {
			return BootRsp{}, err
		}
	}

	states := make([]*imageState, ctx.Cfg.ImageNumber)
	for i := range states {
		st, err := ctx.openImageState(i, status)
		if err != nil {
			return BootRsp{}, err
		}
		states[i] = st
	}

	// Pass 1: classify and provisionally verify every candidate.
	haveDeps := false
	for _, st := range states {
		if err := ctx.classify(st); err != nil {
			return BootRsp{}, err
		}
		if err := ctx.checkCandidate(st); err != nil {
			return BootRsp{}, err
		}
		if st.candInfo != nil && len(st.candInfo.Deps) > 0 {
			haveDeps = true
		}
	}

	// Pass 2: dependency resolution against the post-action versions.
	if haveDeps {
		if err := ctx.resolveDependencies(states); err != nil {
			return BootRsp{}, err
		}
	}

	for _, st := range states {
		if err := ctx.executeAction(st, scratch); err != nil {
			return BootRsp{}, err
		}
	}

	// Verify the resulting primaries; revert is the only fallback.
	for _, st := range states {
		if err := ctx.finalValidate(st, scratch); err != nil {
			return BootRsp{}, err
		}
	}

	for _, st := range states {
		if err := ctx.commitCounter(st); err != nil {
			return BootRsp{}, err
		}
	}

	st0 := states[0]
	hdr := st0.primInfo.Hdr

	base := hdr.LoadAddr
	if base == 0 {
		base = ctx.Cfg.RunAddr
	}

	return BootRsp{
		Image:     0,
		Slot:      SLOT_PRIMARY,
		SwapType:  st0.swapType,
		EntryAddr: base + uint32(hdr.HdrSz),
	}, nil
}

func (ctx *BootContext) openImageState(idx int,
	status *SwapStatusArea) (*imageState, error) {

	st := &imageState{idx: idx, swapType: SWAP_TYPE_NONE}

	var err error
	if st.primary, err = ctx.Map.Open(flash.PrimaryID(idx)); err != nil {
		return nil, err
	}
	if st.secondary, err = ctx.Map.Open(flash.SecondaryID(idx)); err != nil {
		return nil, err
	}

	if status != nil {
		if st.pTr, err = NewTrailerExt(status, 2*idx, &ctx.Cfg); err != nil {
			return nil, err
		}
		if st.sTr, err = NewTrailerExt(status, 2*idx+1,
			&ctx.Cfg); err != nil {
			return nil, err
		}
	} else {
		if st.pTr, err = NewTrailer(st.primary, &ctx.Cfg); err != nil {
			return nil, err
		}
		if st.sTr, err = NewTrailer(st.secondary, &ctx.Cfg); err != nil {
			return nil, err
		}
	}

	if st.pView, err = st.pTr.View(); err != nil {
		return nil, err
	}
	if st.sView, err = st.sTr.View(); err != nil {
		return nil, err
	}

	return st, nil
}

// flagSet folds the tri-state down the way the selector consumes it: a
// torn copy_done / image_ok write counts as unset, a torn magic as not
// present.
func flagSet(s FieldState) bool {
	return s == FIELD_SET
}

// classify implements the decision table over the two trailers.
func (ctx *BootContext) classify(st *imageState) error {
	pInProgress := st.pView.SwapType != SWAP_TYPE_NONE
	overwrite := ctx.Cfg.Strategy == STRATEGY_OVERWRITE_ONLY

	// An interrupted swap overrides everything else.
	if pInProgress && !flagSet(st.pView.CopyDone) && !overwrite {
		st.swapType = st.pView.SwapType
		st.resume = true
		log.Infof("image %d: interrupted %s swap detected",
			st.idx, st.swapType)
		return nil
	}

	// A request magic left over from the tail of a completed swap (cut
	// between the data moves and the request clear) also lands here; the
	// stale candidate is the just-replaced image, which downgrade
	// prevention rejects and drops.
	if flagSet(st.sView.Magic) {
		st.swapType = SWAP_TYPE_TEST
		if flagSet(st.sView.ImageOk) {
			st.swapType = SWAP_TYPE_PERM
		}
		return nil
	}

	if !overwrite && flagSet(st.pView.Magic) &&
		flagSet(st.pView.CopyDone) && !flagSet(st.pView.ImageOk) {
		st.swapType = SWAP_TYPE_REVERT
		log.Infof("image %d: tentative image not confirmed; reverting",
			st.idx)
		return nil
	}

	// Bootstrap: nothing staged, but an empty or invalid primary can be
	// populated from a valid secondary.
	if ctx.Cfg.Bootstrap {
		_, pErr := image.ReadHeader(st.primary,
			st.primary.Size()-st.pTr.Size())
		if pErr != nil {
			_, sErr := image.ReadHeader(st.secondary,
				st.secondary.Size()-st.sTr.Size())
			if sErr == nil {
				log.Infof("image %d: bootstrapping empty primary", st.idx)
				st.swapType = SWAP_TYPE_PERM
				return nil
			}
		}
	}

	st.swapType = SWAP_TYPE_NONE
	return nil
}

// checkCandidate verifies the staged image and enforces downgrade
// prevention before any flash is touched.  A failed candidate demotes the
// request to FAIL and drops it.
func (ctx *BootContext) checkCandidate(st *imageState) error {
	if st.resume {
		return nil
	}
	if st.swapType != SWAP_TYPE_TEST && st.swapType != SWAP_TYPE_PERM &&
		st.swapType != SWAP_TYPE_REVERT {
		return nil
	}

	info, err := ctx.validateImage(st.idx, st.secondary, st.sTr,
		SLOT_SECONDARY, nil)
	if err != nil {
		log.Errorf("image %d: staged image rejected: %s",
			st.idx, err.Error())
		return ctx.failCandidate(st)
	}
	st.candInfo = info

	if st.swapType == SWAP_TYPE_REVERT {
		return nil
	}

	if ctx.Cfg.DowngradePrevention {
		pHdr, pErr := image.ReadHeader(st.primary,
			st.primary.Size()-st.pTr.Size())
		if pErr == nil {
			if image.CompareVersions(info.Hdr.Vers, pHdr.Vers,
				ctx.Cfg.VersionCmpUseBuildNumber) < 0 {
				log.Errorf(
					"image %d: downgrade rejected: staged %s < running %s",
					st.idx, info.Hdr.Vers.String(), pHdr.Vers.String())
				return ctx.failCandidate(st)
			}
		}
	}

	return nil
}

func (ctx *BootContext) failCandidate(st *imageState) error {
	st.swapType = SWAP_TYPE_FAIL
	st.candInfo = nil

	// Drop the request so the rejected candidate is not retried on
	// every boot.
	if err := st.sTr.EraseTrailer(); err != nil {
		return err
	}
	var err error
	st.sView, err = st.sTr.View()
	return err
}

// resolveDependencies is the two-pass resolver: pass one (checkCandidate)
// recorded every image's claimed version; this pass checks each
// dependency against the version that will be running after the planned
// actions, demoting offenders to NONE until the plan is stable.
func (ctx *BootContext) resolveDependencies(states []*imageState) error {
	resultVers := func(st *imageState) *image.ImageVersion {
		switch st.swapType {
		case SWAP_TYPE_TEST, SWAP_TYPE_PERM, SWAP_TYPE_REVERT:
			if st.candInfo != nil {
				v := st.candInfo.Hdr.Vers
				return &v
			}
		}
		hdr, err := image.ReadHeader(st.primary,
			st.primary.Size()-st.pTr.Size())
		if err != nil {
			return nil
		}
		v := hdr.Vers
		return &v
	}

	for changed := true; changed; {
		changed = false

		vers := make([]*image.ImageVersion, len(states))
		for i, st := range states {
			vers[i] = resultVers(st)
		}

		for _, st := range states {
			if st.candInfo == nil || len(st.candInfo.Deps) == 0 {
				continue
			}
			if st.swapType != SWAP_TYPE_TEST &&
				st.swapType != SWAP_TYPE_PERM {
				continue
			}

			for _, dep := range st.candInfo.Deps {
				ok := int(dep.ImageId) < len(states)
				if ok {
					v := vers[dep.ImageId]
					ok = v != nil && image.CompareVersions(*v, dep.Version,
						ctx.Cfg.VersionCmpUseBuildNumber) >= 0
				}
				if !ok {
					log.Errorf(
						"image %d: dependency on image %d version %s unsatisfied",
						st.idx, dep.ImageId, dep.Version.String())
					st.swapType = SWAP_TYPE_NONE
					st.candInfo = nil
					if err := st.sTr.EraseTrailer(); err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}
	}

	return nil
}

func (ctx *BootContext) executeAction(st *imageState,
	scratch *flash.Area) error {

	switch st.swapType {
	case SWAP_TYPE_TEST, SWAP_TYPE_PERM, SWAP_TYPE_REVERT:
	default:
		return nil
	}

	return ctx.runStrategy(st, scratch, st.swapType, st.resume)
}

func (ctx *BootContext) runStrategy(st *imageState, scratch *flash.Area,
	swapType SwapType, resume bool) error {

	sw, err := newSwapState(ctx, st.idx, st.primary, st.secondary, scratch,
		st.pTr, st.sTr, swapType, resume)
	if err != nil {
		return err
	}

	switch ctx.Cfg.Strategy {
	case STRATEGY_SWAP_SCRATCH:
		return runScratchSwap(sw)
	case STRATEGY_SWAP_MOVE:
		return runMoveSwap(sw)
	case STRATEGY_OVERWRITE_ONLY:
		return runOverwrite(sw)
	}

	return util.FmtBootError(util.KindBadFlashMap,
		"strategy %s cannot execute swaps", ctx.Cfg.Strategy)
}

// finalValidate re-verifies the resulting primary, falling back to a
// revert when the freshly swapped image does not check out.
func (ctx *BootContext) finalValidate(st *imageState,
	scratch *flash.Area) error {

	swapped := st.swapType == SWAP_TYPE_TEST ||
		st.swapType == SWAP_TYPE_PERM || st.swapType == SWAP_TYPE_REVERT

	if !swapped && !ctx.Cfg.ValidatePrimarySlot {
		hdr, err := image.ReadHeader(st.primary,
			st.primary.Size()-st.pTr.Size())
		if err != nil {
			return util.FmtChildBootError(err, util.KindNoBootableImage,
				"image %d: primary slot unreadable: %s", st.idx, err.Error())
		}
		st.primInfo = &verifyInfo{Hdr: hdr}
		return nil
	}

	info, err := ctx.validateImage(st.idx, st.primary, st.pTr,
		SLOT_PRIMARY, nil)
	if err == nil {
		st.primInfo = info
		return nil
	}

	log.Errorf("image %d: primary slot validation failed: %s",
		st.idx, err.Error())

	// A revert can still save the boot if the previous image survives in
	// the secondary.
	if ctx.Cfg.Strategy != STRATEGY_OVERWRITE_ONLY &&
		st.swapType != SWAP_TYPE_REVERT {

		cd, cdErr := st.pTr.CopyDone()
		if cdErr == nil && cd == FIELD_SET {
			if _, sErr := ctx.validateImage(st.idx, st.secondary, st.sTr,
				SLOT_SECONDARY, nil); sErr == nil {

				log.Errorf("image %d: reverting to previous image", st.idx)
				if err := ctx.runStrategy(st, scratch, SWAP_TYPE_REVERT,
					false); err != nil {
					return err
				}
				st.swapType = SWAP_TYPE_REVERT

				info, err = ctx.validateImage(st.idx, st.primary, st.pTr,
					SLOT_PRIMARY, nil)
				if err == nil {
					st.primInfo = info
					return nil
				}
			}
		}
	}

	return util.FmtChildBootError(err, util.KindNoBootableImage,
		"image %d: no bootable image", st.idx)
}

// commitCounter advances the monotonic counter once the running image is
// committed to.
func (ctx *BootContext) commitCounter(st *imageState) error {
	if st.primInfo == nil || st.primInfo.SecCnt == nil {
		return nil
	}

	ok, err := st.pTr.ImageOk()
	if err != nil {
		return err
	}
	if ok != FIELD_SET {
		return nil
	}

	return updateCounter(ctx, st.idx, *st.primInfo.SecCnt)
}

func updateCounter(ctx *BootContext, imageIdx int, value uint32) error {
	stored, err := ctx.Counter.Get(imageIdx)
	if err == ErrCounterNotAvailable {
		return ctx.Counter.Update(imageIdx, value)
	}
	if err != nil {
		return util.ChildBootError(err)
	}

	if value > stored {
		log.Infof("image %d: security counter %d -> %d",
			imageIdx, stored, value)
		return ctx.Counter.Update(imageIdx, value)
	}
	return nil
}
