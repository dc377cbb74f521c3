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

// Platform is the board glue consumed by the core.  Launch never returns
// on success; Panic never returns at all.
type Platform interface {
	WatchdogFeed()

	// RecoveryRequested reports the state of the recovery GPIO/button,
	// sampled before the boot decision.
	RecoveryRequested() bool

	Launch(entryAddr uint32, image int, slot int) error

	Panic(msg string)
}

// NopPlatform is the test/simulator platform: the watchdog is a counter,
// launch records its arguments, panic becomes an error the harness can
// observe.
type NopPlatform struct {
	WatchdogFeeds int
	Recovery      bool

	Launched    bool
	LaunchEntry uint32
	LaunchImage int
	LaunchSlot  int

	Panicked bool
	PanicMsg string
}

func (p *NopPlatform) WatchdogFeed() {
	p.WatchdogFeeds++
}

func (p *NopPlatform) RecoveryRequested() bool {
	return p.Recovery
}

func (p *NopPlatform) Launch(entryAddr uint32, image int, slot int) error {
	p.Launched = true
	p.LaunchEntry = entryAddr
	p.LaunchImage = image
	p.LaunchSlot = slot

	log.Infof("launching image %d from slot %d at 0x%08x",
		image, slot, entryAddr)
	return nil
}

func (p *NopPlatform) Panic(msg string) {
	p.Panicked = true
	p.PanicMsg = msg

	log.Errorf("panic: %s", msg)
}
