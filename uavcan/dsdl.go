package uavcan

import "encoding/binary"

// The six UAVCAN v0 data types a firmware update needs, identified by
// (data type ID, data type signature).
const (
	// uavcan.protocol.NodeStatus, broadcast at about 1 Hz.
	MsgNodeStatusID        uint16 = 341
	MsgNodeStatusSignature uint64 = 0x0F0868D0C1A7C6F1

	// uavcan.protocol.dynamic_node_id.Allocation.
	MsgAllocationID        uint16 = 1
	MsgAllocationSignature uint64 = 0x0B2A812620A11D40

	// uavcan.protocol.GetNodeInfo.
	SvcGetNodeInfoID        uint8  = 1
	SvcGetNodeInfoSignature uint64 = 0xEE468A8121C46A9E

	// uavcan.protocol.file.BeginFirmwareUpdate.
	SvcBeginFirmwareUpdateID        uint8  = 40
	SvcBeginFirmwareUpdateSignature uint64 = 0xB7D725DF72724126

	// uavcan.protocol.file.Read.
	SvcFileReadID        uint8  = 48
	SvcFileReadSignature uint64 = 0x8DCDCA939F33F678

	// uavcan.protocol.RestartNode.
	SvcRestartNodeID        uint8  = 5
	SvcRestartNodeSignature uint64 = 0x569E05394A3017F0
)

// NodeStatus health codes.
const (
	HealthOK       uint8 = 0
	HealthWarning  uint8 = 1
	HealthError    uint8 = 2
	HealthCritical uint8 = 3
)

// NodeStatus mode codes.
const (
	ModeOperational    uint8 = 0
	ModeInitialization uint8 = 1
	ModeMaintenance    uint8 = 2
	ModeSoftwareUpdate uint8 = 3
	ModeOffline        uint8 = 7
)

// RestartNode magic number; requests carrying anything else are ignored.
const restartMagic uint64 = 0xACCE551B1E

// Allocation protocol limits.
const (
	uniqueIDSize            = 16
	allocMaxBytesPerRequest = 6
	allocFlagFirstPart      = 1
)

// Limits of the variable-length fields.
const (
	maxFilePathLength = 200
	maxNodeNameLength = 80
	maxCertificateLen = 255
	fileReadChunkSize = 256
)

// encodeNodeStatus packs the 7-byte NodeStatus payload: 32-bit uptime in
// seconds, then 2-bit health, 3-bit mode and 3 zero sub-mode bits, then a
// zero vendor-specific status code.
func encodeNodeStatus(uptimeSec uint32, health, mode uint8) []byte {
	out := make([]byte, 7)
	binary.LittleEndian.PutUint32(out, uptimeSec)
	out[4] = health<<6 | (mode&7)<<3
	return out
}

// encodeAllocationRequest packs an anonymous allocation request: the first
// byte holds the requested node ID (zero: any) and the first-part flag, the
// rest echoes up to 6 bytes of the local unique ID starting at uidOffset.
func encodeAllocationRequest(uid [uniqueIDSize]byte, uidOffset int) []byte {
	end := uidOffset + allocMaxBytesPerRequest
	if end > uniqueIDSize {
		end = uniqueIDSize
	}

	out := make([]byte, 1+end-uidOffset)
	if uidOffset == 0 {
		out[0] = allocFlagFirstPart
	}
	copy(out[1:], uid[uidOffset:end])
	return out
}

// allocationOffer is a decoded allocation broadcast from an allocator.
type allocationOffer struct {
	nodeID    uint8
	firstPart bool
	uniqueID  []byte
}

func decodeAllocation(payload []byte) (allocationOffer, bool) {
	if len(payload) < 1 || len(payload) > 1+uniqueIDSize {
		return allocationOffer{}, false
	}
	return allocationOffer{
		nodeID:    payload[0] >> 1,
		firstPart: payload[0]&allocFlagFirstPart != 0,
		uniqueID:  payload[1:],
	}, true
}

// beginFirmwareUpdateRequest is the decoded BeginFirmwareUpdate request.
type beginFirmwareUpdateRequest struct {
	sourceNodeID uint8
	path         string
}

func decodeBeginFirmwareUpdate(payload []byte) (beginFirmwareUpdateRequest, bool) {
	if len(payload) < 1 || len(payload) > 1+maxFilePathLength {
		return beginFirmwareUpdateRequest{}, false
	}
	return beginFirmwareUpdateRequest{
		sourceNodeID: payload[0] & 0x7F,
		path:         string(payload[1:]),
	}, true
}

// BeginFirmwareUpdate response error codes.
const (
	beginFWUpdateOK         uint8 = 0
	beginFWUpdateInProgress uint8 = 2
)

// encodeFileReadRequest packs a FileRead request: 40-bit little-endian
// offset followed by the path as a tail array.
func encodeFileReadRequest(offset uint64, path string) []byte {
	out := make([]byte, 5+len(path))
	out[0] = byte(offset)
	out[1] = byte(offset >> 8)
	out[2] = byte(offset >> 16)
	out[3] = byte(offset >> 24)
	out[4] = byte(offset >> 32)
	copy(out[5:], path)
	return out
}

// fileReadResponse is the decoded FileRead response: a signed file-system
// error code and up to 256 bytes of data as a tail array.
type fileReadResponse struct {
	err  int16
	data []byte
}

func decodeFileReadResponse(payload []byte) (fileReadResponse, bool) {
	if len(payload) < 2 || len(payload) > 2+fileReadChunkSize {
		return fileReadResponse{}, false
	}
	return fileReadResponse{
		err:  int16(binary.LittleEndian.Uint16(payload)),
		data: payload[2:],
	}, true
}

// decodeRestartMagic extracts the 40-bit magic number from a RestartNode
// request.
func decodeRestartMagic(payload []byte) (uint64, bool) {
	if len(payload) < 5 {
		return 0, false
	}
	m := uint64(payload[0]) | uint64(payload[1])<<8 | uint64(payload[2])<<16 |
		uint64(payload[3])<<24 | uint64(payload[4])<<32
	return m, true
}

// nodeInfo collects everything a GetNodeInfo response carries besides the
// live NodeStatus.
type nodeInfo struct {
	softwareMajor uint8
	softwareMinor uint8
	vcsCommit     uint32
	imageCRC      uint64

	hardwareMajor uint8
	hardwareMinor uint8
	uniqueID      [uniqueIDSize]byte
	certificate   []byte

	name string
}

// softwareVersionFlags: both the VCS commit and the image CRC fields are
// populated.
const softwareVersionFlags uint8 = 3

// encodeGetNodeInfoResponse packs the GetNodeInfo response: NodeStatus,
// SoftwareVersion, HardwareVersion (certificate with a length prefix since
// it is not the last field) and the node name as a tail array.
func encodeGetNodeInfoResponse(status []byte, info *nodeInfo) []byte {
	out := make([]byte, 0, 7+15+18+1+len(info.certificate)+len(info.name))

	out = append(out, status...)

	out = append(out, info.softwareMajor, info.softwareMinor, softwareVersionFlags)
	out = binary.LittleEndian.AppendUint32(out, info.vcsCommit)
	out = binary.LittleEndian.AppendUint64(out, info.imageCRC)

	out = append(out, info.hardwareMajor, info.hardwareMinor)
	out = append(out, info.uniqueID[:]...)
	out = append(out, uint8(len(info.certificate)))
	out = append(out, info.certificate...)

	name := info.name
	if len(name) > maxNodeNameLength {
		name = name[:maxNodeNameLength]
	}
	out = append(out, name...)
	return out
}
