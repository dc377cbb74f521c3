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

// mcuboot is the host-side helper: inspect image files and run the boot
// selector against simulated flash.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mcu-tools/mcuboot-go/boot"
	"github.com/mcu-tools/mcuboot-go/flash"
	"github.com/mcu-tools/mcuboot-go/image"
	"github.com/mcu-tools/mcuboot-go/sec"
	"github.com/mcu-tools/mcuboot-go/util"
)

var optVerbose bool

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "* error: %s\n", err.Error())
	os.Exit(1)
}

func dumpCmd(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		cmd.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fatal(util.ChildBootError(err))
	}

	img, err := image.ParseImage(data)
	if err != nil {
		fatal(err)
	}

	s, err := img.Json()
	if err != nil {
		fatal(err)
	}
	fmt.Println(s)
}

const (
	simSlotSize   = 64 * 1024
	simSectorSize = 4 * 1024
)

func simMap() (*flash.Map, *flash.SimDevice, error) {
	dev := flash.NewSimDevice(256*1024, simSectorSize, 0xff, 8)

	areas := []flash.AreaDesc{
		{Name: flash.FLASH_AREA_NAME_BOOTLOADER,
			Id: flash.AREA_ID_BOOTLOADER, Offset: 0, Size: 32 * 1024},
		{Name: flash.FLASH_AREA_NAME_IMAGE_0,
			Id: flash.AREA_ID_IMAGE_0, Offset: 32 * 1024,
			Size: simSlotSize},
		{Name: flash.FLASH_AREA_NAME_IMAGE_1,
			Id: flash.AREA_ID_IMAGE_1, Offset: 96 * 1024,
			Size: simSlotSize},
		{Name: flash.FLASH_AREA_NAME_IMAGE_SCRATCH,
			Id: flash.AREA_ID_SCRATCH, Offset: 160 * 1024,
			Size: simSectorSize},
	}

	m, err := flash.NewMap(map[int]flash.Device{0: dev}, areas)
	if err != nil {
		return nil, nil, err
	}
	return m, dev, nil
}

func loadSlot(m *flash.Map, id int, filename string) error {
	if filename == "" {
		return nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return util.ChildBootError(err)
	}

	area, err := m.Open(id)
	if err != nil {
		return err
	}
	defer area.Close()

	pad := len(data) % area.Align()
	if pad != 0 {
		blank := make([]byte, area.Align()-pad)
		for i := range blank {
			blank[i] = area.EraseValue()
		}
		data = append(data, blank...)
	}

	return area.Write(0, data)
}

func simCmd(cmd *cobra.Command, args []string) {
	primaryFile, _ := cmd.Flags().GetString("primary")
	secondaryFile, _ := cmd.Flags().GetString("secondary")
	pending, _ := cmd.Flags().GetBool("pending")
	keyFile, _ := cmd.Flags().GetString("key")

	m, _, err := simMap()
	if err != nil {
		fatal(err)
	}

	if err := loadSlot(m, flash.AREA_ID_IMAGE_0, primaryFile); err != nil {
		fatal(err)
	}
	if err := loadSlot(m, flash.AREA_ID_IMAGE_1, secondaryFile); err != nil {
		fatal(err)
	}

	var keys []sec.PubKey
	if keyFile != "" {
		signKey, err := sec.ReadKey(keyFile)
		if err != nil {
			fatal(err)
		}
		raw, err := signKey.PubBytes()
		if err != nil {
			fatal(err)
		}
		pk, err := sec.ParsePubKey(raw)
		if err != nil {
			fatal(err)
		}
		keys = append(keys, pk)
	}

	platform := &boot.NopPlatform{}
	ctx, err := boot.NewContext(boot.DefaultConfig(), m, keys, sec.Kek{},
		boot.NewRamCounter(), platform)
	if err != nil {
		fatal(err)
	}

	if pending {
		if err := boot.SetPending(ctx, 0, false); err != nil {
			fatal(err)
		}
	}

	rsp := boot.Run(ctx)
	if platform.Panicked {
		os.Exit(1)
	}

	fmt.Printf("swap_type: %s\n", rsp.SwapType)
	fmt.Printf("boot_slot: %d\n", rsp.Slot)
	fmt.Printf("entry:     0x%08x\n", rsp.EntryAddr)
}

func main() {
	root := &cobra.Command{
		Use:   "mcuboot",
		Short: "Bootloader image inspection and boot simulation",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if optVerbose {
				level = log.DebugLevel
			}
			if err := util.Init(level, ""); err != nil {
				fatal(err)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&optVerbose, "verbose", "v", false,
		"Enable debug logging")

	dump := &cobra.Command{
		Use:   "dump <image-file>",
		Short: "Parse an image file and print its structure as JSON",
		Run:   dumpCmd,
	}
	root.AddCommand(dump)

	sim := &cobra.Command{
		Use:   "sim",
		Short: "Run one boot against simulated flash",
		Run:   simCmd,
	}
	sim.Flags().String("primary", "", "Image file for the primary slot")
	sim.Flags().String("secondary", "", "Image file for the secondary slot")
	sim.Flags().Bool("pending", false, "Stage the secondary before booting")
	sim.Flags().String("key", "", "PEM signing key whose public half "+
		"verifies the images")
	root.AddCommand(sim)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
