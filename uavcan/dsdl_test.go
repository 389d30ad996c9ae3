package uavcan

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeNodeStatus(t *testing.T) {
	p := encodeNodeStatus(0x01020304, HealthError, ModeSoftwareUpdate)
	if len(p) != 7 {
		t.Fatalf("length = %d, want 7", len(p))
	}
	if got := binary.LittleEndian.Uint32(p); got != 0x01020304 {
		t.Errorf("uptime = 0x%08X, want 0x01020304", got)
	}
	// 2-bit health in the top bits, 3-bit mode next, 3 sub-mode bits zero.
	if want := byte(HealthError<<6 | ModeSoftwareUpdate<<3); p[4] != want {
		t.Errorf("status byte = 0x%02X, want 0x%02X", p[4], want)
	}
	if p[5] != 0 || p[6] != 0 {
		t.Errorf("vendor-specific code = % X, want zeros", p[5:])
	}
}

func TestEncodeAllocationRequest(t *testing.T) {
	var uid [16]byte
	for i := range uid {
		uid[i] = byte(i + 1)
	}

	first := encodeAllocationRequest(uid, 0)
	if first[0] != allocFlagFirstPart {
		t.Errorf("first request flag byte = 0x%02X, want first-part", first[0])
	}
	if !bytes.Equal(first[1:], uid[0:6]) {
		t.Errorf("first request UID chunk = % X, want % X", first[1:], uid[0:6])
	}

	second := encodeAllocationRequest(uid, 6)
	if second[0] != 0 {
		t.Errorf("followup request flag byte = 0x%02X, want 0", second[0])
	}
	if !bytes.Equal(second[1:], uid[6:12]) {
		t.Errorf("followup UID chunk = % X, want % X", second[1:], uid[6:12])
	}

	last := encodeAllocationRequest(uid, 12)
	if !bytes.Equal(last[1:], uid[12:16]) {
		t.Errorf("final UID chunk = % X, want % X", last[1:], uid[12:16])
	}
	if len(last) != 5 {
		t.Errorf("final request length = %d, want 5", len(last))
	}
}

func TestDecodeAllocation(t *testing.T) {
	offer, ok := decodeAllocation([]byte{125 << 1, 0xAA, 0xBB})
	if !ok {
		t.Fatal("decode failed")
	}
	if offer.nodeID != 125 {
		t.Errorf("node ID = %d, want 125", offer.nodeID)
	}
	if offer.firstPart {
		t.Error("first-part flag set")
	}
	if !bytes.Equal(offer.uniqueID, []byte{0xAA, 0xBB}) {
		t.Errorf("unique ID echo = % X", offer.uniqueID)
	}

	if _, ok := decodeAllocation(nil); ok {
		t.Error("empty payload accepted")
	}
	if _, ok := decodeAllocation(make([]byte, 18)); ok {
		t.Error("oversized payload accepted")
	}
}

func TestFileReadCodec(t *testing.T) {
	req := encodeFileReadRequest(0x123456789A, "/fw/img.bin")
	if len(req) != 5+11 {
		t.Fatalf("request length = %d", len(req))
	}
	// 40-bit little-endian offset.
	want := []byte{0x9A, 0x78, 0x56, 0x34, 0x12}
	if !bytes.Equal(req[:5], want) {
		t.Errorf("offset bytes = % X, want % X", req[:5], want)
	}
	if string(req[5:]) != "/fw/img.bin" {
		t.Errorf("path = %q", req[5:])
	}

	resp, ok := decodeFileReadResponse([]byte{0xFE, 0xFF, 1, 2, 3})
	if !ok {
		t.Fatal("decode failed")
	}
	if resp.err != -2 {
		t.Errorf("error = %d, want -2", resp.err)
	}
	if !bytes.Equal(resp.data, []byte{1, 2, 3}) {
		t.Errorf("data = % X", resp.data)
	}

	if _, ok := decodeFileReadResponse([]byte{0}); ok {
		t.Error("short payload accepted")
	}
}

func TestDecodeRestartMagic(t *testing.T) {
	payload := []byte{0x1E, 0x1B, 0x55, 0xCE, 0xAC}
	magic, ok := decodeRestartMagic(payload)
	if !ok || magic != restartMagic {
		t.Errorf("magic = 0x%X, %v; want 0x%X", magic, ok, restartMagic)
	}

	if _, ok := decodeRestartMagic([]byte{1, 2, 3}); ok {
		t.Error("short payload accepted")
	}
}

func TestDecodeBeginFirmwareUpdate(t *testing.T) {
	req, ok := decodeBeginFirmwareUpdate(append([]byte{42}, []byte("fw/2.4.bin")...))
	if !ok {
		t.Fatal("decode failed")
	}
	if req.sourceNodeID != 42 {
		t.Errorf("source node = %d, want 42", req.sourceNodeID)
	}
	if req.path != "fw/2.4.bin" {
		t.Errorf("path = %q", req.path)
	}

	if _, ok := decodeBeginFirmwareUpdate(nil); ok {
		t.Error("empty payload accepted")
	}
}

func TestEncodeGetNodeInfoResponse(t *testing.T) {
	info := nodeInfo{
		softwareMajor: 1,
		softwareMinor: 2,
		vcsCommit:     0xAABBCCDD,
		imageCRC:      0x1122334455667788,
		hardwareMajor: 3,
		hardwareMinor: 4,
		certificate:   []byte{0xCA, 0xFE},
		name:          "com.example.node",
	}
	for i := range info.uniqueID {
		info.uniqueID[i] = byte(i)
	}
	status := encodeNodeStatus(100, HealthOK, ModeMaintenance)

	p := encodeGetNodeInfoResponse(status, &info)

	if !bytes.Equal(p[:7], status) {
		t.Error("status prefix mismatch")
	}
	if p[7] != 1 || p[8] != 2 || p[9] != softwareVersionFlags {
		t.Errorf("software version header = % X", p[7:10])
	}
	if got := binary.LittleEndian.Uint32(p[10:]); got != 0xAABBCCDD {
		t.Errorf("vcs commit = 0x%08X", got)
	}
	if got := binary.LittleEndian.Uint64(p[14:]); got != 0x1122334455667788 {
		t.Errorf("image crc = 0x%016X", got)
	}
	if p[22] != 3 || p[23] != 4 {
		t.Errorf("hardware version = %d.%d, want 3.4", p[22], p[23])
	}
	if !bytes.Equal(p[24:40], info.uniqueID[:]) {
		t.Error("unique ID mismatch")
	}
	if p[40] != 2 || p[41] != 0xCA || p[42] != 0xFE {
		t.Errorf("certificate block = % X", p[40:43])
	}
	if string(p[43:]) != "com.example.node" {
		t.Errorf("name = %q", p[43:])
	}
}
