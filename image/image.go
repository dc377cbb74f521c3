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

package image

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mcu-tools/mcuboot-go/util"
)

const (
	IMAGE_MAGIC             = 0x96f3b83d /* Image header magic */
	IMAGE_TLV_INFO_MAGIC    = 0x6901     /* Unprotected tlv table magic */
	IMAGE_TLV_PROT_INFO_MAGIC = 0x6907   /* Protected tlv table magic */
)

const (
	IMAGE_HEADER_SIZE   = 32
	IMAGE_TLV_INFO_SIZE = 4
	IMAGE_TLV_SIZE      = 4 /* Plus `value` field. */
)

/*
 * Image header flags.
 */
const (
	IMAGE_F_PIC              = 0x00000001
	IMAGE_F_NON_BOOTABLE     = 0x00000002 /* non bootable image */
	IMAGE_F_ENCRYPTED_AES128 = 0x00000004
	IMAGE_F_ENCRYPTED_AES256 = 0x00000008
	IMAGE_F_RAM_LOAD         = 0x00000020
	IMAGE_F_COMPRESSED_LZMA1 = 0x00000040
	IMAGE_F_COMPRESSED_LZMA2 = 0x00000080
)

/*
 * Image TLV types.
 */
const (
	IMAGE_TLV_KEYHASH     = 0x01
	IMAGE_TLV_PUBKEY      = 0x02
	IMAGE_TLV_SHA256      = 0x10
	IMAGE_TLV_SHA384      = 0x11
	IMAGE_TLV_SHA512      = 0x12
	IMAGE_TLV_RSA2048     = 0x20
	IMAGE_TLV_ECDSA_SIG   = 0x22
	IMAGE_TLV_RSA3072     = 0x23
	IMAGE_TLV_ED25519     = 0x24
	IMAGE_TLV_ENC_RSA2048 = 0x30
	IMAGE_TLV_ENC_KW      = 0x31
	IMAGE_TLV_ENC_EC256   = 0x32
	IMAGE_TLV_ENC_X25519  = 0x33
	IMAGE_TLV_DEPENDENCY  = 0x40
	IMAGE_TLV_SEC_CNT     = 0x50
	IMAGE_TLV_BOOT_RECORD = 0x60
	IMAGE_TLV_DECOMP_SIZE = 0x70
)

var imageTlvTypeNameMap = map[uint16]string{
	IMAGE_TLV_KEYHASH:     "KEYHASH",
	IMAGE_TLV_PUBKEY:      "PUBKEY",
	IMAGE_TLV_SHA256:      "SHA256",
	IMAGE_TLV_SHA384:      "SHA384",
	IMAGE_TLV_SHA512:      "SHA512",
	IMAGE_TLV_RSA2048:     "RSA2048",
	IMAGE_TLV_ECDSA_SIG:   "ECDSA_SIG",
	IMAGE_TLV_RSA3072:     "RSA3072",
	IMAGE_TLV_ED25519:     "ED25519",
	IMAGE_TLV_ENC_RSA2048: "ENC_RSA2048",
	IMAGE_TLV_ENC_KW:      "ENC_KW",
	IMAGE_TLV_ENC_EC256:   "ENC_EC256",
	IMAGE_TLV_ENC_X25519:  "ENC_X25519",
	IMAGE_TLV_DEPENDENCY:  "DEPENDENCY",
	IMAGE_TLV_SEC_CNT:     "SEC_CNT",
	IMAGE_TLV_BOOT_RECORD: "BOOT_RECORD",
	IMAGE_TLV_DECOMP_SIZE: "DECOMP_SIZE",
}

type ImageVersion struct {
	Major    uint8
	Minor    uint8
	Rev      uint16
	BuildNum uint32
}

type ImageHdr struct {
	Magic        uint32
	LoadAddr     uint32
	HdrSz        uint16
	ProtectTlvSz uint16
	ImgSz        uint32
	Flags        uint32
	Vers         ImageVersion
	Pad          uint32
}

type ImageTlvInfo struct {
	Magic     uint16
	TlvTotLen uint16
}

type ImageTlvHdr struct {
	Type uint16
	Len  uint16
}

type ImageTlv struct {
	Header ImageTlvHdr
	Data   []byte
}

type Image struct {
	Header   ImageHdr
	Pad      []byte
	Body     []byte
	ProtTlvs []ImageTlv
	Tlvs     []ImageTlv
}

// ImageDependency is the payload of a DEPENDENCY TLV.
type ImageDependency struct {
	ImageId uint32
	Version ImageVersion
}

func ImageTlvTypeName(tlvType uint16) string {
	name, ok := imageTlvTypeNameMap[tlvType]
	if !ok {
		return "???"
	}

	return name
}

func ImageTlvTypeIsSig(tlvType uint16) bool {
	return tlvType == IMAGE_TLV_RSA2048 ||
		tlvType == IMAGE_TLV_RSA3072 ||
		tlvType == IMAGE_TLV_ECDSA_SIG ||
		tlvType == IMAGE_TLV_ED25519
}

func ImageTlvTypeIsHash(tlvType uint16) bool {
	return tlvType == IMAGE_TLV_SHA256 ||
		tlvType == IMAGE_TLV_SHA384 ||
		tlvType == IMAGE_TLV_SHA512
}

func ImageTlvTypeIsEnc(tlvType uint16) bool {
	return tlvType == IMAGE_TLV_ENC_RSA2048 ||
		tlvType == IMAGE_TLV_ENC_KW ||
		tlvType == IMAGE_TLV_ENC_EC256 ||
		tlvType == IMAGE_TLV_ENC_X25519
}

func (h *ImageHdr) Encrypted() bool {
	return h.Flags&(IMAGE_F_ENCRYPTED_AES128|IMAGE_F_ENCRYPTED_AES256) != 0
}

// EncKeySize returns the content-encryption key size implied by the header
// flags, or 0 for a plaintext image.
func (h *ImageHdr) EncKeySize() int {
	if h.Flags&IMAGE_F_ENCRYPTED_AES256 != 0 {
		return 32
	}
	if h.Flags&IMAGE_F_ENCRYPTED_AES128 != 0 {
		return 16
	}
	return 0
}

func ParseVersion(versStr string) (ImageVersion, error) {
	var err error
	var major uint64
	var minor uint64
	var rev uint64
	var buildNum uint64
	var ver ImageVersion

	components := strings.Split(versStr, ".")
	major, err = strconv.ParseUint(components[0], 10, 8)
	if err != nil {
		return ver, util.FmtBootError(util.KindBadImage,
			"Invalid version string %s", versStr)
	}
	if len(components) > 1 {
		minor, err = strconv.ParseUint(components[1], 10, 8)
		if err != nil {
			return ver, util.FmtBootError(util.KindBadImage,
				"Invalid version string %s", versStr)
		}
	}
	if len(components) > 2 {
		rev, err = strconv.ParseUint(components[2], 10, 16)
		if err != nil {
			return ver, util.FmtBootError(util.KindBadImage,
				"Invalid version string %s", versStr)
		}
	}
	if len(components) > 3 {
		buildNum, err = strconv.ParseUint(components[3], 10, 32)
		if err != nil {
			return ver, util.FmtBootError(util.KindBadImage,
				"Invalid version string %s", versStr)
		}
	}

	ver.Major = uint8(major)
	ver.Minor = uint8(minor)
	ver.Rev = uint16(rev)
	ver.BuildNum = uint32(buildNum)
	return ver, nil
}

func (ver ImageVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		ver.Major, ver.Minor, ver.Rev, ver.BuildNum)
}

// CompareVersions orders two versions lexicographically on
// (major, minor, revision).  The build number participates only when
// useBuildNum is set.
func CompareVersions(a ImageVersion, b ImageVersion, useBuildNum bool) int {
	if a.Major != b.Major {
		if a.Major < b.Major {
			return -1
		}
		return 1
	}
	if a.Minor != b.Minor {
		if a.Minor < b.Minor {
			return -1
		}
		return 1
	}
	if a.Rev != b.Rev {
		if a.Rev < b.Rev {
			return -1
		}
		return 1
	}
	if useBuildNum && a.BuildNum != b.BuildNum {
		if a.BuildNum < b.BuildNum {
			return -1
		}
		return 1
	}
	return 0
}

func (h *ImageHdr) Map(offset int) map[string]interface{} {
	return map[string]interface{}{
		"magic":          h.Magic,
		"load_addr":      h.LoadAddr,
		"hdr_sz":         h.HdrSz,
		"protect_tlv_sz": h.ProtectTlvSz,
		"img_sz":         h.ImgSz,
		"flags":          h.Flags,
		"vers":           h.Vers.String(),
		"_offset":        offset,
	}
}

func rawBodyMap(offset int) map[string]interface{} {
	return map[string]interface{}{
		"_offset": offset,
	}
}

func (t *ImageTlv) Map(offset int) map[string]interface{} {
	return map[string]interface{}{
		"type":     t.Header.Type,
		"len":      t.Header.Len,
		"data":     hex.EncodeToString(t.Data),
		"_typestr": ImageTlvTypeName(t.Header.Type),
		"_offset":  offset,
	}
}

func (img *Image) Map() map[string]interface{} {
	m := map[string]interface{}{}
	offset := 0

	m["header"] = img.Header.Map(offset)
	offset = int(img.Header.HdrSz)

	m["body"] = rawBodyMap(offset)
	offset += len(img.Body)

	protMaps := []map[string]interface{}{}
	if len(img.ProtTlvs) > 0 {
		offset += IMAGE_TLV_INFO_SIZE
		for _, tlv := range img.ProtTlvs {
			protMaps = append(protMaps, tlv.Map(offset))
			offset += IMAGE_TLV_SIZE + int(tlv.Header.Len)
		}
	}
	m["prot_tlvs"] = protMaps

	offset += IMAGE_TLV_INFO_SIZE
	tlvMaps := []map[string]interface{}{}
	for _, tlv := range img.Tlvs {
		tlvMaps = append(tlvMaps, tlv.Map(offset))
		offset += IMAGE_TLV_SIZE + int(tlv.Header.Len)
	}
	m["tlvs"] = tlvMaps

	return m
}

func (img *Image) Json() (string, error) {
	b, err := json.MarshalIndent(img.Map(), "", "    ")
	if err != nil {
		return "", util.ChildBootError(err)
	}

	return string(b), nil
}

func (tlv *ImageTlv) Write(w io.Writer) (int, error) {
	totalSize := 0

	err := binary.Write(w, binary.LittleEndian, &tlv.Header)
	if err != nil {
		return totalSize, util.ChildBootError(err)
	}
	totalSize += IMAGE_TLV_SIZE

	size, err := w.Write(tlv.Data)
	if err != nil {
		return totalSize, util.ChildBootError(err)
	}
	totalSize += size

	return totalSize, nil
}

func findTlvs(tlvs []ImageTlv, tlvType uint16) []ImageTlv {
	var found []ImageTlv

	for _, tlv := range tlvs {
		if tlv.Header.Type == tlvType {
			found = append(found, tlv)
		}
	}

	return found
}

func (i *Image) FindTlvs(tlvType uint16) []ImageTlv {
	return append(findTlvs(i.ProtTlvs, tlvType), findTlvs(i.Tlvs, tlvType)...)
}

func (i *Image) FindUniqueTlv(tlvType uint16) (*ImageTlv, error) {
	tlvs := i.FindTlvs(tlvType)
	if len(tlvs) == 0 {
		return nil, nil
	}
	if len(tlvs) > 1 {
		return nil, util.FmtBootError(util.KindBadImage,
			"Image contains %d TLVs with type %d", len(tlvs), tlvType)
	}

	return &tlvs[0], nil
}

func (i *Image) Hash() ([]byte, error) {
	for _, t := range []uint16{
		IMAGE_TLV_SHA256, IMAGE_TLV_SHA384, IMAGE_TLV_SHA512,
	} {
		tlv, err := i.FindUniqueTlv(t)
		if err != nil {
			return nil, err
		}
		if tlv != nil {
			return tlv.Data, nil
		}
	}

	return nil, util.FmtBootError(util.KindBadImage,
		"Image does not contain hash TLV")
}

func tlvTableInfo(magic uint16, tlvs []ImageTlv) ImageTlvInfo {
	info := ImageTlvInfo{
		Magic:     magic,
		TlvTotLen: IMAGE_TLV_INFO_SIZE,
	}
	for _, tlv := range tlvs {
		info.TlvTotLen += IMAGE_TLV_SIZE + tlv.Header.Len
	}

	return info
}

func (img *Image) ProtTlvInfo() ImageTlvInfo {
	return tlvTableInfo(IMAGE_TLV_PROT_INFO_MAGIC, img.ProtTlvs)
}

func (img *Image) TlvInfo() ImageTlvInfo {
	return tlvTableInfo(IMAGE_TLV_INFO_MAGIC, img.Tlvs)
}

func writeTlvTable(w io.Writer, info ImageTlvInfo,
	tlvs []ImageTlv) (int, error) {

	total := 0

	if err := binary.Write(w, binary.LittleEndian, &info); err != nil {
		return total, util.ChildBootError(err)
	}
	total += IMAGE_TLV_INFO_SIZE

	for _, tlv := range tlvs {
		size, err := tlv.Write(w)
		if err != nil {
			return total, err
		}
		total += size
	}

	return total, nil
}

func (i *Image) Write(w io.Writer) (int, error) {
	total := 0

	err := binary.Write(w, binary.LittleEndian, &i.Header)
	if err != nil {
		return total, util.ChildBootError(err)
	}
	total += IMAGE_HEADER_SIZE

	if len(i.Pad) > 0 {
		if _, err := w.Write(i.Pad); err != nil {
			return total, util.ChildBootError(err)
		}
		total += len(i.Pad)
	}

	size, err := w.Write(i.Body)
	if err != nil {
		return total, util.ChildBootError(err)
	}
	total += size

	if len(i.ProtTlvs) > 0 {
		size, err = writeTlvTable(w, i.ProtTlvInfo(), i.ProtTlvs)
		if err != nil {
			return total, err
		}
		total += size
	}

	size, err = writeTlvTable(w, i.TlvInfo(), i.Tlvs)
	if err != nil {
		return total, err
	}
	total += size

	return total, nil
}

func (i *Image) Bytes() ([]byte, error) {
	b := &bytes.Buffer{}
	if _, err := i.Write(b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (i *Image) TotalSize() (int, error) {
	b, err := i.Bytes()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func parseRawHeader(imgData []byte, offset int) (ImageHdr, int, error) {
	var hdr ImageHdr

	r := bytes.NewReader(imgData)
	r.Seek(int64(offset), io.SeekStart)

	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, 0, util.FmtBootError(util.KindBadImage,
			"Error reading image header: %s", err.Error())
	}

	if hdr.Magic != IMAGE_MAGIC {
		return hdr, 0, util.FmtBootError(util.KindBadImage,
			"Image magic incorrect; expected 0x%08x, got 0x%08x",
			uint32(IMAGE_MAGIC), hdr.Magic)
	}

	if hdr.HdrSz < IMAGE_HEADER_SIZE {
		return hdr, 0, util.FmtBootError(util.KindBadImage,
			"Image header size %d too small", hdr.HdrSz)
	}

	remLen := len(imgData) - offset
	if remLen < int(hdr.HdrSz) {
		return hdr, 0, util.FmtBootError(util.KindBadImage,
			"Image header incomplete; expected %d bytes, got %d bytes",
			hdr.HdrSz, remLen)
	}

	return hdr, int(hdr.HdrSz), nil
}

func parseRawBody(imgData []byte, hdr ImageHdr,
	offset int) ([]byte, int, error) {

	imgSz := int(hdr.ImgSz)
	remLen := len(imgData) - offset

	if imgSz == 0 {
		return nil, 0, util.FmtBootError(util.KindBadImage,
			"Image has zero-length payload")
	}
	if remLen < imgSz {
		return nil, 0, util.FmtBootError(util.KindBadImage,
			"Image body incomplete; expected %d bytes, got %d bytes",
			imgSz, remLen)
	}

	return imgData[offset : offset+imgSz], imgSz, nil
}

func parseRawTlvInfo(imgData []byte, offset int) (ImageTlvInfo, int, error) {
	var info ImageTlvInfo

	r := bytes.NewReader(imgData)
	r.Seek(int64(offset), io.SeekStart)

	if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
		return info, 0, util.FmtBootError(util.KindBadImage,
			"Image contains invalid TLV info at offset %d: %s",
			offset, err.Error())
	}

	return info, IMAGE_TLV_INFO_SIZE, nil
}

func parseRawTlv(imgData []byte, offset int) (ImageTlv, int, error) {
	tlv := ImageTlv{}

	r := bytes.NewReader(imgData)
	r.Seek(int64(offset), io.SeekStart)

	if err := binary.Read(r, binary.LittleEndian, &tlv.Header); err != nil {
		return tlv, 0, util.FmtBootError(util.KindBadImage,
			"Image contains invalid TLV at offset %d: %s", offset, err.Error())
	}

	tlv.Data = make([]byte, tlv.Header.Len)
	if _, err := io.ReadFull(r, tlv.Data); err != nil {
		return tlv, 0, util.FmtBootError(util.KindBadImage,
			"Image contains invalid TLV at offset %d: %s", offset, err.Error())
	}

	return tlv, IMAGE_TLV_SIZE + int(tlv.Header.Len), nil
}

func parseRawTlvTable(imgData []byte, offset int,
	wantMagic uint16) ([]ImageTlv, int, error) {

	info, size, err := parseRawTlvInfo(imgData, offset)
	if err != nil {
		return nil, 0, err
	}
	if info.Magic != wantMagic {
		return nil, 0, util.FmtBootError(util.KindBadImage,
			"invalid image: TLV info magic 0x%04x at offset %d; expected 0x%04x",
			info.Magic, offset, wantMagic)
	}

	end := offset + int(info.TlvTotLen)
	if end > len(imgData) {
		return nil, 0, util.FmtBootError(util.KindBadImage,
			"invalid image: TLV table (len=%d) extends past image end",
			info.TlvTotLen)
	}

	var tlvs []ImageTlv
	off := offset + size
	for off < end {
		tlv, size, err := parseRawTlv(imgData, off)
		if err != nil {
			return nil, 0, err
		}

		tlvs = append(tlvs, tlv)
		off += size
	}

	if off != end {
		return nil, 0, util.FmtBootError(util.KindBadImage,
			"invalid image: TLV info indicates length=%d; actual=%d",
			info.TlvTotLen, off-offset)
	}

	return tlvs, int(info.TlvTotLen), nil
}

func ParseImage(imgData []byte) (Image, error) {
	img := Image{}
	offset := 0

	hdr, size, err := parseRawHeader(imgData, offset)
	if err != nil {
		return img, err
	}
	offset += size

	body, size, err := parseRawBody(imgData, hdr, offset)
	if err != nil {
		return img, err
	}
	offset += size

	var protTlvs []ImageTlv
	if hdr.ProtectTlvSz > 0 {
		protTlvs, size, err = parseRawTlvTable(imgData, offset,
			IMAGE_TLV_PROT_INFO_MAGIC)
		if err != nil {
			return img, err
		}
		if size != int(hdr.ProtectTlvSz) {
			return img, util.FmtBootError(util.KindBadImage,
				"invalid image: header claims protect-tlv-size=%d; actual=%d",
				hdr.ProtectTlvSz, size)
		}
		offset += size
	}

	tlvs, _, err := parseRawTlvTable(imgData, offset, IMAGE_TLV_INFO_MAGIC)
	if err != nil {
		return img, err
	}

	img.Header = hdr
	img.Body = body
	img.ProtTlvs = protTlvs
	img.Tlvs = tlvs

	return img, nil
}

// ParseDependency decodes a DEPENDENCY TLV payload.
func ParseDependency(data []byte) (ImageDependency, error) {
	var dep ImageDependency

	if len(data) != 12 {
		return dep, util.FmtBootError(util.KindBadImage,
			"invalid dependency TLV length %d", len(data))
	}

	dep.ImageId = binary.LittleEndian.Uint32(data[0:4])
	dep.Version.Major = data[4]
	dep.Version.Minor = data[5]
	dep.Version.Rev = binary.LittleEndian.Uint16(data[6:8])
	dep.Version.BuildNum = binary.LittleEndian.Uint32(data[8:12])

	return dep, nil
}

// MarshalDependency encodes a DEPENDENCY TLV payload.
func MarshalDependency(dep ImageDependency) []byte {
	data := make([]byte, 12)

	binary.LittleEndian.PutUint32(data[0:4], dep.ImageId)
	data[4] = dep.Version.Major
	data[5] = dep.Version.Minor
	binary.LittleEndian.PutUint16(data[6:8], dep.Version.Rev)
	binary.LittleEndian.PutUint32(data[8:12], dep.Version.BuildNum)

	return data
}
