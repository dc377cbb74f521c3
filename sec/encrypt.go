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

package sec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/mcu-tools/mcuboot-go/util"
)

// Image payloads are AES-CTR encrypted with a counter block equal to the
// payload offset divided by the block size, as a 128-bit big-endian
// integer.  The keystream for a given offset never depends on what came
// before it, so any sector can be transformed independently and an
// interrupted swap can resume mid-image.

// XorCtr transforms buf in place.  off is the byte offset of buf within
// the image payload (not including the header) and need not be
// block-aligned.
func XorCtr(cek []byte, off int, buf []byte) error {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return util.NewBootError(util.KindUnknown,
			"Failed to create block cipher")
	}

	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(off/aes.BlockSize))
	stream := cipher.NewCTR(block, iv)

	// Discard keystream up to the first requested byte.
	if skip := off % aes.BlockSize; skip != 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}

	stream.XORKeyStream(buf, buf)
	return nil
}

// EncryptAES encrypts a whole payload starting at offset zero.  Used by
// the image builder; the boot path works through XorCtr on flash-sized
// chunks.
func EncryptAES(plain []byte, secret []byte) ([]byte, error) {
	buf := make([]byte, len(plain))
	copy(buf, plain)

	if err := XorCtr(secret, 0, buf); err != nil {
		return nil, err
	}

	return buf, nil
}
