package uavcan

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/tavrox/go-fieldboot/appimage"
	"github.com/tavrox/go-fieldboot/bootloader"
	"github.com/tavrox/go-fieldboot/storage"
)

// autoTicks advances by a fixed step on every sample, so protocol
// deadlines expire quickly without real sleeping.
type autoTicks struct {
	ticks uint32
	step  uint32
}

func (a *autoTicks) Ticks() uint32 {
	a.ticks += a.step
	return a.ticks
}

func (a *autoTicks) Frequency() uint32 { return 1000000 }

type initRecord struct {
	bitrate uint32
	mode    Mode
	filter  AcceptanceFilter
}

// mockIface is a scriptable CAN driver.
type mockIface struct {
	mu    sync.Mutex
	rx    []Frame
	sent  []Frame
	inits []initRecord

	// onSend reacts to transmitted frames, e.g. by enqueuing responses.
	onSend func(f Frame)

	// hearAt makes Receive produce a dummy frame when the interface was
	// initialized at this bit rate, for bit-rate detection tests.
	hearAt uint32
}

func (m *mockIface) Init(bitrate uint32, mode Mode, filter AcceptanceFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits = append(m.inits, initRecord{bitrate: bitrate, mode: mode, filter: filter})
	return nil
}

func (m *mockIface) Send(f Frame, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	m.sent = append(m.sent, f)
	cb := m.onSend
	m.mu.Unlock()
	if cb != nil {
		cb(f)
	}
	return true, nil
}

func (m *mockIface) Receive(timeout time.Duration) (Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.rx) > 0 {
		f := m.rx[0]
		m.rx = m.rx[1:]
		return f, true, nil
	}
	if m.hearAt != 0 && len(m.inits) > 0 && m.inits[len(m.inits)-1].bitrate == m.hearAt {
		return Frame{ID: FrameEFF | 0x100, Data: [8]byte{0xC0}, DLC: 1}, true, nil
	}
	return Frame{}, false, nil
}

func (m *mockIface) push(frames ...Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = append(m.rx, frames...)
}

func newTestController(t *testing.T) (*bootloader.Controller, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory(65536)
	return bootloader.New(backend, bootloader.WithMaxImageSize(65536)), backend
}

func newTestNode(t *testing.T, iface Iface, opts ...Option) *Node {
	t.Helper()
	ctrl, _ := newTestController(t)
	var uid [16]byte
	for i := range uid {
		uid[i] = byte(0x10 + i)
	}
	opts = append([]Option{WithBitRate(1000000), WithTickSource(&autoTicks{step: 1000})}, opts...)
	return NewNode(ctrl, iface, uid, opts...)
}

func TestBitRateDetection(t *testing.T) {
	iface := &mockIface{hearAt: 250000}
	n := newTestNode(t, iface)
	n.bitrate = 0

	n.detectBitRate()

	if got := n.BitRate(); got != 250000 {
		t.Fatalf("bit rate = %d, want 250000", got)
	}

	// Every attempt must have run silent with an open filter.
	iface.mu.Lock()
	defer iface.mu.Unlock()
	if len(iface.inits) < 3 {
		t.Fatalf("init count = %d, want at least 3 (1M, 500k, 250k)", len(iface.inits))
	}
	for i, rec := range iface.inits {
		if rec.mode != ModeSilent {
			t.Errorf("init %d mode = %v, want Silent", i, rec.mode)
		}
		if rec.filter != (AcceptanceFilter{}) {
			t.Errorf("init %d filter = %+v, want open", i, rec.filter)
		}
	}
	if iface.inits[0].bitrate != 1000000 || iface.inits[1].bitrate != 500000 {
		t.Errorf("probe order = %v", iface.inits)
	}
}

// allocator emulates a node-ID allocator: it accumulates unique-ID chunks
// and echoes the prefix it has so far, assigning the node ID on the full
// match.
type allocator struct {
	iface    *mockIface
	tr       *transport
	tid      uint8
	received []byte
	assignID uint8
	rounds   int
}

func newAllocator(iface *mockIface, assignID uint8) *allocator {
	tr := newTransport(func(transferKind, uint16, uint8) (uint64, bool) { return 0, false })
	tr.localNodeID = 10
	return &allocator{iface: iface, tr: tr, assignID: assignID}
}

func (a *allocator) handle(f Frame) {
	id := f.ID & idMask
	if id&0x7F != 0 || id&(1<<7) != 0 || (id>>8)&3 != uint32(MsgAllocationID&3) {
		return // not an anonymous allocation request
	}
	if f.DLC < 2 {
		return
	}
	payload := f.Data[:f.DLC-1]

	a.rounds++
	if payload[0]&allocFlagFirstPart != 0 {
		a.received = append(a.received[:0], payload[1:]...)
	} else {
		a.received = append(a.received, payload[1:]...)
	}

	nodeID := uint8(0)
	if len(a.received) >= uniqueIDSize {
		a.received = a.received[:uniqueIDSize]
		nodeID = a.assignID
	}

	resp := append([]byte{nodeID << 1}, a.received...)
	a.tr.broadcast(priorityAllocation, MsgAllocationID, MsgAllocationSignature, &a.tid, resp)
	for {
		fr, ok := a.tr.popFrame()
		if !ok {
			break
		}
		a.iface.push(fr)
	}
}

func TestDynamicAllocationConverges(t *testing.T) {
	// The allocator echoes matching prefixes of the local unique ID; the
	// node must converge to the assigned ID within ceil(16/6) = 3 rounds.
	iface := &mockIface{}
	alloc := newAllocator(iface, 125)
	iface.onSend = alloc.handle

	ctrl, _ := newTestController(t)
	uid := [16]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00}
	n := NewNode(ctrl, iface, uid,
		WithBitRate(1000000), WithTickSource(&autoTicks{step: 1000}))

	done := make(chan struct{})
	go func() {
		n.allocateNodeID()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		n.RequestReboot()
		t.Fatal("allocation did not converge")
	}

	if got := n.LocalNodeID(); got != 125 {
		t.Fatalf("local node ID = %d, want 125", got)
	}
	if alloc.rounds != 3 {
		t.Errorf("allocation rounds = %d, want 3", alloc.rounds)
	}
	if !bytes.Equal(alloc.received, uid[:]) {
		t.Errorf("allocator saw UID % X, want % X", alloc.received, uid[:])
	}

	// The allocation stage must run with TX abort on error and the
	// allocation acceptance filter.
	iface.mu.Lock()
	defer iface.mu.Unlock()
	rec := iface.inits[len(iface.inits)-1]
	if rec.mode != ModeAutomaticTxAbortOnError {
		t.Errorf("allocation mode = %v, want AutomaticTxAbortOnError", rec.mode)
	}
	if rec.filter != allocationFilter() {
		t.Errorf("allocation filter = %+v", rec.filter)
	}
}

// serveRequest feeds a service request built by a client transport into
// the node and returns the node's reassembled response payload.
func serveRequest(t *testing.T, n *Node, iface *mockIface, client *transport, svcID uint8, sig uint64, payload []byte) []byte {
	t.Helper()

	iface.mu.Lock()
	start := len(iface.sent)
	iface.mu.Unlock()

	var tid uint8
	if !client.request(priorityService, svcID, sig, n.LocalNodeID(), &tid, payload) {
		t.Fatal("client request failed")
	}
	for {
		f, ok := client.popFrame()
		if !ok {
			break
		}
		iface.push(f)
	}

	for i := 0; i < 50; i++ {
		n.poll()
	}

	iface.mu.Lock()
	sent := append([]Frame(nil), iface.sent[start:]...)
	iface.mu.Unlock()

	for _, f := range sent {
		if resp, done := client.processFrame(0, f); done && resp.kind == kindResponse {
			return resp.payload
		}
	}
	return nil
}

func newClientTransport(accept uint64) *transport {
	tr := newTransport(func(transferKind, uint16, uint8) (uint64, bool) { return accept, true })
	tr.localNodeID = 99
	return tr
}

func TestBeginFirmwareUpdateHandler(t *testing.T) {
	iface := &mockIface{}
	n := newTestNode(t, iface, WithNodeID(7))

	client := newClientTransport(SvcBeginFirmwareUpdateSignature)
	req := append([]byte{0}, []byte("fw/app-2.4.bin")...)
	resp := serveRequest(t, n, iface, client, SvcBeginFirmwareUpdateID, SvcBeginFirmwareUpdateSignature, req)

	if len(resp) != 1 || resp[0] != beginFWUpdateOK {
		t.Fatalf("response = % X, want OK", resp)
	}

	n.mu.Lock()
	server, path := n.serverNodeID, n.filePath
	n.mu.Unlock()
	// source_node_id zero in the request: the transfer source is the server.
	if server != 99 {
		t.Errorf("server node = %d, want 99", server)
	}
	if path != "fw/app-2.4.bin" {
		t.Errorf("path = %q", path)
	}

	// A second request while one is pending is refused.
	resp = serveRequest(t, n, iface, client, SvcBeginFirmwareUpdateID, SvcBeginFirmwareUpdateSignature, req)
	if len(resp) != 1 || resp[0] != beginFWUpdateInProgress {
		t.Errorf("second response = % X, want in-progress", resp)
	}
}

func TestRestartNodeHandler(t *testing.T) {
	iface := &mockIface{}
	n := newTestNode(t, iface, WithNodeID(7))

	client := newClientTransport(SvcRestartNodeSignature)

	// Wrong magic: ignored, no reboot.
	resp := serveRequest(t, n, iface, client, SvcRestartNodeID, SvcRestartNodeSignature,
		[]byte{1, 2, 3, 4, 5})
	if resp != nil {
		t.Errorf("bad magic got a response: % X", resp)
	}
	if n.RebootRequested() {
		t.Fatal("bad magic requested a reboot")
	}

	// Correct magic, little-endian 0xACCE551B1E.
	resp = serveRequest(t, n, iface, client, SvcRestartNodeID, SvcRestartNodeSignature,
		[]byte{0x1E, 0x1B, 0x55, 0xCE, 0xAC})
	if len(resp) != 1 || resp[0] != 1<<7 {
		t.Errorf("response = % X, want OK bit", resp)
	}
	if !n.RebootRequested() {
		t.Error("restart magic did not request a reboot")
	}
}

func TestGetNodeInfoHandler(t *testing.T) {
	iface := &mockIface{}
	n := newTestNode(t, iface, WithNodeID(7), WithNodeName("org.fieldboot.test"))

	client := newClientTransport(SvcGetNodeInfoSignature)
	resp := serveRequest(t, n, iface, client, SvcGetNodeInfoID, SvcGetNodeInfoSignature, nil)

	if len(resp) < 7+15+18+1 {
		t.Fatalf("response too short: %d bytes", len(resp))
	}
	// Unique ID sits behind status (7), software version (15) and the
	// 2-byte hardware version prefix.
	uidField := resp[24:40]
	var uid [16]byte
	for i := range uid {
		uid[i] = byte(0x10 + i)
	}
	if !bytes.Equal(uidField, uid[:]) {
		t.Errorf("unique ID = % X, want % X", uidField, uid[:])
	}
	if got := string(resp[41:]); got != "org.fieldboot.test" {
		t.Errorf("node name = %q", got)
	}
}

// fileServer emulates the FileRead side of a firmware server.
type fileServer struct {
	iface *mockIface
	tr    *transport
	file  []byte
}

func newFileServer(iface *mockIface, nodeID uint8, file []byte) *fileServer {
	s := &fileServer{iface: iface, file: file}
	s.tr = newTransport(func(kind transferKind, dtid uint16, src uint8) (uint64, bool) {
		if kind == kindRequest && uint8(dtid) == SvcFileReadID {
			return SvcFileReadSignature, true
		}
		return 0, false
	})
	s.tr.localNodeID = nodeID
	return s
}

func (s *fileServer) handle(f Frame) {
	req, done := s.tr.processFrame(0, f)
	if !done {
		return
	}
	if len(req.payload) < 5 {
		return
	}
	offset := uint64(req.payload[0]) | uint64(req.payload[1])<<8 | uint64(req.payload[2])<<16 |
		uint64(req.payload[3])<<24 | uint64(req.payload[4])<<32

	var chunk []byte
	if offset < uint64(len(s.file)) {
		end := offset + fileReadChunkSize
		if end > uint64(len(s.file)) {
			end = uint64(len(s.file))
		}
		chunk = s.file[offset:end]
	}

	resp := append([]byte{0, 0}, chunk...)
	s.tr.respond(priorityService, SvcFileReadID, SvcFileReadSignature, req, resp)
	for {
		fr, ok := s.tr.popFrame()
		if !ok {
			break
		}
		s.iface.push(fr)
	}
}

func serverTestImage(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 1024)
	d := appimage.Descriptor{Info: appimage.AppInfo{Major: 2, Minor: 5, VCSCommit: 0xFEED}}
	buf, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	copy(img, buf)
	img, _, err = appimage.PatchImage(img)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestFirmwareDownloadEndToEnd(t *testing.T) {
	iface := &mockIface{}
	img := serverTestImage(t)
	server := newFileServer(iface, 42, img)
	iface.onSend = server.handle

	backend := storage.NewMemory(65536)
	ctrl := bootloader.New(backend, bootloader.WithMaxImageSize(65536))

	var uid [16]byte
	n := NewNode(ctrl, iface, uid,
		WithBitRate(1000000),
		WithNodeID(7),
		WithFirmwareSource(42, "fw/app.bin"),
		WithTickSource(&autoTicks{step: 1000}),
	)

	if err := ctrl.Upgrade(n); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if got := ctrl.State(); got != bootloader.BootDelay {
		t.Fatalf("state = %v, want BootDelay", got)
	}
	info, ok := ctrl.AppInfo()
	if !ok || info.ImageSize != 1024 {
		t.Fatalf("AppInfo = %+v, %v; want 1024-byte image", info, ok)
	}
	if !bytes.Equal(backend.Bytes()[:1024], img) {
		t.Error("stored image differs from the served file")
	}
}

func TestDownloadRemoteRefusal(t *testing.T) {
	iface := &mockIface{}
	server := newFileServer(iface, 42, nil)
	// Override the handler: always answer with a file-system error.
	iface.onSend = func(f Frame) {
		req, done := server.tr.processFrame(0, f)
		if !done {
			return
		}
		server.tr.respond(priorityService, SvcFileReadID, SvcFileReadSignature, req,
			[]byte{0xFE, 0xFF}) // error -2, no data
		for {
			fr, ok := server.tr.popFrame()
			if !ok {
				break
			}
			iface.push(fr)
		}
	}

	backend := storage.NewMemory(65536)
	ctrl := bootloader.New(backend, bootloader.WithMaxImageSize(65536))

	var uid [16]byte
	n := NewNode(ctrl, iface, uid,
		WithBitRate(1000000),
		WithNodeID(7),
		WithFirmwareSource(42, "fw/app.bin"),
		WithTickSource(&autoTicks{step: 1000}),
	)

	err := ctrl.Upgrade(n)
	if err != ErrRemoteRefused {
		t.Fatalf("Upgrade error = %v, want ErrRemoteRefused", err)
	}
	if got := ctrl.State(); got != bootloader.NoAppToBoot {
		t.Errorf("state = %v, want NoAppToBoot", got)
	}
}

func TestDownloadTimesOut(t *testing.T) {
	// A server that never answers: the retry budget runs out and the
	// download fails with a protocol error.
	iface := &mockIface{}

	backend := storage.NewMemory(65536)
	ctrl := bootloader.New(backend, bootloader.WithMaxImageSize(65536))

	var uid [16]byte
	n := NewNode(ctrl, iface, uid,
		WithBitRate(1000000),
		WithNodeID(7),
		WithFirmwareSource(42, "fw/app.bin"),
		WithTickSource(&autoTicks{step: 20000}),
	)

	err := ctrl.Upgrade(n)
	if err != ErrProtocol {
		t.Fatalf("Upgrade error = %v, want ErrProtocol", err)
	}
}

func TestNodeStatusBroadcast(t *testing.T) {
	iface := &mockIface{}
	n := newTestNode(t, iface, WithNodeID(7))

	// Force the 1 Hz housekeeping due and run one poll.
	n.mu.Lock()
	n.next1HzAt = 0
	n.mu.Unlock()
	n.poll()
	// Another poll to flush the queued frame.
	n.poll()

	iface.mu.Lock()
	defer iface.mu.Unlock()
	if len(iface.sent) == 0 {
		t.Fatal("no NodeStatus broadcast")
	}
	f := iface.sent[0]
	id := f.ID & idMask
	if got := uint16((id >> 8) & 0xFFFF); got != MsgNodeStatusID {
		t.Fatalf("broadcast DTID = %d, want %d", got, MsgNodeStatusID)
	}
	if got := uint8(id & 0x7F); got != 7 {
		t.Errorf("broadcast source = %d, want 7", got)
	}
	if f.DLC != 8 {
		t.Fatalf("DLC = %d, want 8 (7 payload + tail)", f.DLC)
	}
	// Fresh clock: uptime zero, health OK, mode Maintenance.
	if got := binary.LittleEndian.Uint32(f.Data[:4]); got != 0 {
		t.Errorf("uptime = %d, want 0", got)
	}
	if want := byte(HealthOK<<6 | ModeMaintenance<<3); f.Data[4] != want {
		t.Errorf("status byte = 0x%02X, want 0x%02X", f.Data[4], want)
	}
}
