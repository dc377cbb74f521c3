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
)

// Overwrite-only is the no-revert path for devices too tight for swap
// bookkeeping: erase the primary image sectors, copy the candidate in
// (decrypting on the way), then retire the candidate.  Interrupted runs
// simply start over — the request magic in the secondary trailer survives
// until the copy has fully completed, and recopying identical data over a
// re-erased primary is idempotent.
func runOverwrite(st *swapState) error {
	// Restarted runs redo everything; there is no partial state to honor.
	st.resume = false
	st.logResume()

	if st.ctx.Cfg.EncImages {
		g, err := st.slotEncGeom(st.secondary, st.sTr)
		if err != nil {
			return err
		}
		st.encSecondary = g
	}

	if err := st.tr.EraseTrailer(); err != nil {
		return err
	}

	end := 0
	for s := 0; s < st.nswap; s++ {
		end = st.sectors[s].Off + st.sectors[s].Size
	}

	if err := eraseRange(st.primary, 0, end); err != nil {
		return err
	}

	for s := 0; s < st.nswap; s++ {
		sector := st.sectors[s]
		if err := st.copyRegion(st.secondary, sector.Off,
			st.primary, sector.Off, sector.Size,
			&st.encSecondary, sector.Off); err != nil {
			return err
		}
		st.ctx.Platform.WatchdogFeed()
	}

	// Publish before dropping the request so a cut in between re-runs
	// the copy instead of losing the upgrade.
	if err := st.tr.WriteCopyDone(); err != nil {
		return err
	}
	if err := st.tr.WriteMagic(); err != nil {
		return err
	}
	if err := st.tr.WriteImageOk(); err != nil {
		return err
	}

	if err := eraseRange(st.secondary, 0, end); err != nil {
		return err
	}
	if err := st.sTr.EraseTrailer(); err != nil {
		return err
	}

	log.Infof("image %d: overwrite upgrade complete", st.imageIdx)
	return nil
}
