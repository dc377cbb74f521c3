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
	"errors"

	"github.com/mcu-tools/mcuboot-go/util"
)

// ErrCounterNotAvailable is returned by backends whose monotonic store is
// absent or not yet provisioned.  The verifier skips the anti-rollback
// check in that case.
var ErrCounterNotAvailable = errors.New("security counter not available")

// SecurityCounter is the monotonic anti-rollback store, one counter per
// image index, backed by OTP or efuse on real hardware.
type SecurityCounter interface {
	Get(image int) (uint32, error)
	Update(image int, value uint32) error
}

// RamCounter is the simulator backend.  It enforces monotonicity the way
// the efuse driver does: an update below the stored value is rejected.
type RamCounter struct {
	values map[int]uint32
}

func NewRamCounter() *RamCounter {
	return &RamCounter{
		values: map[int]uint32{},
	}
}

func (c *RamCounter) Get(image int) (uint32, error) {
	v, ok := c.values[image]
	if !ok {
		return 0, ErrCounterNotAvailable
	}
	return v, nil
}

func (c *RamCounter) Update(image int, value uint32) error {
	if v, ok := c.values[image]; ok && value < v {
		return util.FmtBootError(util.KindBadSecurityCounter,
			"counter update would decrease: %d < %d", value, v)
	}
	c.values[image] = value
	return nil
}
