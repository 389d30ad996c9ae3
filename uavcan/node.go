package uavcan

import (
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tavrox/go-fieldboot/bootloader"
)

// Node ID range of UAVCAN v0.
const (
	minNodeID = 1
	maxNodeID = 127
)

// Bounds of the poll loop, preserving responsiveness: at most this many
// frames are received and transmitted per call.
const (
	pollMaxRxFrames = 10
	pollMaxTxFrames = 10
	pollRxTimeout   = time.Millisecond
)

// standardBitRates are tried in order during automatic detection. The
// first four are defined by the UAVCAN specification; 100 kbps is added
// for its popularity in the field.
var standardBitRates = [...]uint32{1000000, 500000, 250000, 125000, 100000}

// bitRateListenTimeout is how long detection listens at each candidate.
const bitRateListenTimeout = 1100 * time.Millisecond

// Allocation deadline jitter, per the UAVCAN allocation Rule C.
const (
	allocJitterMinUS    = 600000
	allocJitterSpreadUS = 400000
	allocFollowupSpread = 400000
)

// Transfer priorities (0 is highest, 31 lowest).
const (
	priorityNodeStatus = 20
	priorityAllocation = 24
	priorityService    = 16
)

// fileReadTimeout bounds the wait for each FileRead response; the request
// is sent up to fileReadRetries times in total before the transfer is
// declared dead.
const (
	fileReadTimeoutUS = 1000000
	fileReadRetries   = 3
)

// Node is a long-lived cooperative task implementing the firmware-update
// protocol. It terminates only when a reboot is requested, remotely via
// RestartNode or locally via RequestReboot.
//
// Node implements bootloader.Downloader: when a firmware update request
// arrives, the node hands itself to the controller and streams the remote
// file into the controller's sink.
type Node struct {
	cfg   Config
	ctrl  *bootloader.Controller
	iface Iface
	clock *Timekeeper
	uid   [uniqueIDSize]byte
	rng   *rand.Rand
	log   *log.Entry

	mu sync.Mutex
	tr *transport

	bitrate              uint32
	confirmedLocalNodeID atomic.Uint32
	reboot               atomic.Bool

	health uint8
	mode   uint8

	// Firmware update request state, populated by BeginFirmwareUpdate.
	serverNodeID uint8
	filePath     string

	// Dynamic allocation progress.
	allocating    bool
	uidOffset     int
	allocDeadline uint64

	// Pending FileRead exchange.
	awaitingRead bool
	readResponse fileReadResponse
	readOK       bool

	next1HzAt uint64

	nodeStatusTID uint8
	allocationTID uint8
	fileReadTID   uint8
}

// NewNode creates a firmware-update node bound to a controller and a CAN
// driver. uid is the 16-byte globally unique hardware identifier; it seeds
// the allocation jitter PRNG so that swarms of identical devices do not
// back off in lockstep.
func NewNode(ctrl *bootloader.Controller, iface Iface, uid [16]byte, opts ...Option) *Node {
	if ctrl == nil {
		panic("controller cannot be nil")
	}
	if iface == nil {
		panic("iface cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ticks := cfg.Ticks
	if ticks == nil {
		ticks = newSystemTicks()
	}

	seed := int64(binary.LittleEndian.Uint64(uid[:8]) ^ binary.LittleEndian.Uint64(uid[8:]))
	n := &Node{
		cfg:     cfg,
		ctrl:    ctrl,
		iface:   iface,
		clock:   NewTimekeeper(ticks),
		uid:     uid,
		rng:     rand.New(rand.NewSource(seed)),
		log:     log.WithField("module", "uavcan"),
		bitrate: cfg.BitRate,
		health:  HealthOK,
		mode:    ModeMaintenance,
	}
	n.tr = newTransport(n.shouldAccept)
	if cfg.NodeID != 0 {
		n.tr.localNodeID = cfg.NodeID
		n.confirmedLocalNodeID.Store(uint32(cfg.NodeID))
	}
	if cfg.ServerNodeID != 0 {
		n.serverNodeID = cfg.ServerNodeID
		n.filePath = cfg.FilePath
	}
	return n
}

// BitRate returns the confirmed CAN bit rate, or zero before detection
// finishes. Safe to call from any goroutine.
func (n *Node) BitRate() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bitrate
}

// LocalNodeID returns the local node ID, or zero before allocation
// finishes. Safe to call from any goroutine.
func (n *Node) LocalNodeID() uint8 {
	return uint8(n.confirmedLocalNodeID.Load())
}

// RequestReboot raises the process-wide cancellation flag. Every long loop
// in the node checks it between iterations; Run returns soon after.
func (n *Node) RequestReboot() {
	n.reboot.Store(true)
}

// RebootRequested reports whether a reboot has been requested.
func (n *Node) RebootRequested() bool {
	return n.reboot.Load()
}

// Run executes the node task: bit-rate detection, dynamic node ID
// allocation, then the main loop serving protocol requests and driving
// upgrades. It returns when a reboot is requested.
func (n *Node) Run() {
	if n.bitrate == 0 {
		n.log.Info("CAN bit rate detection...")
		n.detectBitRate()
	}
	if n.RebootRequested() {
		return
	}
	n.log.WithField("bps", n.bitrate).Info("CAN bit rate confirmed")

	if n.LocalNodeID() == 0 {
		n.log.Info("dynamic node ID allocation...")
		n.allocateNodeID()
	}
	if n.RebootRequested() {
		return
	}
	n.log.WithField("node_id", n.LocalNodeID()).Info("node ID confirmed")

	// Operational filter: only service transfers addressed to us.
	for n.initCAN(ModeNormal, serviceFilter(n.LocalNodeID())) != nil {
		if n.RebootRequested() {
			return
		}
		time.Sleep(time.Second)
	}

	n.mainLoop()
	n.flushTx()
}

// flushTx pushes out whatever is left in the transmit queue, so that a
// final response (e.g. the RestartNode acknowledgement) reaches the bus
// before the task exits.
func (n *Node) flushTx() {
	for i := 0; i < pollMaxTxFrames; i++ {
		n.mu.Lock()
		f, ok := n.tr.popFrame()
		n.mu.Unlock()
		if !ok {
			return
		}
		if sent, err := n.iface.Send(f, 10*time.Millisecond); err != nil || !sent {
			return
		}
	}
}

func (n *Node) mainLoop() {
	for !n.RebootRequested() {
		n.mu.Lock()
		server := n.serverNodeID
		path := n.filePath
		n.mu.Unlock()

		if server == 0 {
			n.poll()
			continue
		}

		n.log.WithFields(log.Fields{"server": server, "path": path}).Info("firmware update requested")

		n.setStatus(HealthOK, ModeSoftwareUpdate)
		err := n.ctrl.Upgrade(n)
		if err != nil {
			n.log.WithError(err).Error("firmware update failed")
			n.setStatus(HealthError, ModeMaintenance)
		} else {
			n.log.Info("firmware update finished")
			n.setStatus(HealthOK, ModeMaintenance)
		}

		// Reset and loop; the outer logic requests a reboot if needed.
		n.mu.Lock()
		n.serverNodeID = 0
		n.filePath = ""
		n.mu.Unlock()
	}
}

func (n *Node) setStatus(health, mode uint8) {
	n.mu.Lock()
	n.health = health
	n.mode = mode
	n.mu.Unlock()
}

func (n *Node) initCAN(mode Mode, filter AcceptanceFilter) error {
	err := n.iface.Init(n.bitrate, mode, filter)
	if err != nil {
		n.log.WithError(err).WithField("bps", n.bitrate).Error("CAN init failed")
	}
	return err
}

// detectBitRate listens in silent mode at each standard bit rate until a
// valid frame is heard on the bus.
func (n *Node) detectBitRate() {
	index := 0
	for !n.RebootRequested() && n.bitrate == 0 {
		candidate := standardBitRates[index]
		index = (index + 1) % len(standardBitRates)

		if err := n.iface.Init(candidate, ModeSilent, AcceptanceFilter{}); err != nil {
			time.Sleep(time.Second)
			continue
		}

		_, ok, err := n.iface.Receive(bitRateListenTimeout)
		if ok {
			n.mu.Lock()
			n.bitrate = candidate
			n.mu.Unlock()
			return
		}
		if err != nil {
			time.Sleep(time.Second)
		}
	}
}

// allocationFilter accepts only anonymous allocation broadcasts (DTID 1).
func allocationFilter() AcceptanceFilter {
	return AcceptanceFilter{
		ID:   0x00000100 | FrameEFF,
		Mask: 0x000003FF | FrameEFF | FrameRTR | FrameERR,
	}
}

// serviceFilter accepts only service transfers addressed to the given node.
func serviceFilter(nodeID uint8) AcceptanceFilter {
	return AcceptanceFilter{
		ID:   FrameEFF | 1<<7 | uint32(nodeID)<<8,
		Mask: FrameEFF | FrameRTR | FrameERR | 0x7F80,
	}
}

// allocateNodeID runs the dynamic allocation procedure: broadcast a
// request carrying a chunk of the unique ID on a jittered deadline, track
// the allocator's echo, adopt the node ID once the echo covers all 16
// bytes.
func (n *Node) allocateNodeID() {
	for n.initCAN(ModeAutomaticTxAbortOnError, allocationFilter()) != nil {
		if n.RebootRequested() {
			return
		}
		time.Sleep(time.Second)
	}

	n.mu.Lock()
	n.allocating = true
	n.uidOffset = 0
	n.allocDeadline = n.clock.Micros() + n.allocJitter()
	n.mu.Unlock()

	for !n.RebootRequested() && n.LocalNodeID() == 0 {
		n.poll()

		n.mu.Lock()
		now := n.clock.Micros()
		due := now >= n.allocDeadline
		if due {
			n.allocDeadline = now + n.allocJitter()
			payload := encodeAllocationRequest(n.uid, n.uidOffset)
			n.tr.broadcast(priorityAllocation, MsgAllocationID, MsgAllocationSignature, &n.allocationTID, payload)
		}
		n.mu.Unlock()
	}

	n.mu.Lock()
	n.allocating = false
	n.mu.Unlock()
}

// allocJitter returns the base request interval jitter U[600, 1000] ms.
func (n *Node) allocJitter() uint64 {
	return allocJitterMinUS + uint64(n.rng.Int63n(allocJitterSpreadUS))
}

// poll performs one bounded unit of protocol work: drain a few received
// frames into the state keeper, push a few queued frames out, and do the
// 1 Hz housekeeping. Called from every wait loop in the node.
func (n *Node) poll() {
	for i := 0; i < pollMaxRxFrames; i++ {
		f, ok, err := n.iface.Receive(pollRxTimeout)
		if err != nil {
			n.log.WithError(err).Debug("RX error")
			break
		}
		if !ok {
			break
		}

		n.mu.Lock()
		transfer, done := n.tr.processFrame(n.clock.Micros(), f)
		n.mu.Unlock()
		if done {
			n.handleTransfer(transfer)
		}
	}

	for i := 0; i < pollMaxTxFrames; i++ {
		n.mu.Lock()
		f, ok := n.tr.popFrame()
		n.mu.Unlock()
		if !ok {
			break
		}

		sent, err := n.iface.Send(f, 0)
		if err != nil {
			n.log.WithError(err).Debug("TX error")
			break
		}
		if !sent {
			// Queue full; put the frame back and try again next poll.
			n.mu.Lock()
			n.tr.txq = append([]Frame{f}, n.tr.txq...)
			n.mu.Unlock()
			break
		}
	}

	now := n.clock.Micros()
	n.mu.Lock()
	if now >= n.next1HzAt {
		n.next1HzAt = now + 1000000
		n.tr.cleanupStale(now)
		if n.LocalNodeID() != 0 {
			status := encodeNodeStatus(n.clock.UptimeSeconds(), n.health, n.mode)
			n.tr.broadcast(priorityNodeStatus, MsgNodeStatusID, MsgNodeStatusSignature, &n.nodeStatusTID, status)
		}
	}
	n.mu.Unlock()
}

// shouldAccept filters incoming transfers and supplies data type
// signatures for multi-frame reassembly.
func (n *Node) shouldAccept(kind transferKind, dtid uint16, src uint8) (uint64, bool) {
	switch kind {
	case kindMessage:
		if dtid == MsgAllocationID && n.allocating {
			return MsgAllocationSignature, true
		}
	case kindRequest:
		switch uint8(dtid) {
		case SvcGetNodeInfoID:
			return SvcGetNodeInfoSignature, true
		case SvcBeginFirmwareUpdateID:
			return SvcBeginFirmwareUpdateSignature, true
		case SvcRestartNodeID:
			return SvcRestartNodeSignature, true
		}
	case kindResponse:
		if uint8(dtid) == SvcFileReadID && n.awaitingRead && src == n.serverNodeID {
			return SvcFileReadSignature, true
		}
	}
	return 0, false
}

// handleTransfer dispatches one reassembled transfer. Called without the
// node lock held.
func (n *Node) handleTransfer(t rxTransfer) {
	switch t.kind {
	case kindMessage:
		if t.dataTypeID == MsgAllocationID {
			n.handleAllocationBroadcast(t)
		}

	case kindRequest:
		switch uint8(t.dataTypeID) {
		case SvcGetNodeInfoID:
			n.handleGetNodeInfo(t)
		case SvcBeginFirmwareUpdateID:
			n.handleBeginFirmwareUpdate(t)
		case SvcRestartNodeID:
			n.handleRestartNode(t)
		}

	case kindResponse:
		if uint8(t.dataTypeID) == SvcFileReadID {
			n.handleFileReadResponse(t)
		}
	}
}

// handleAllocationBroadcast implements the client side of the allocation
// handshake, including the UAVCAN allocation Rule C: any allocation
// broadcast observed while allocating re-rolls the next request deadline,
// so that two bootstrapping nodes cannot stay synchronized.
func (n *Node) handleAllocationBroadcast(t rxTransfer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.allocating {
		return
	}

	now := n.clock.Micros()
	n.allocDeadline = now + n.allocJitter()

	// Requests from fellow anonymous nodes only matter for the re-roll.
	if t.sourceNode == 0 {
		return
	}

	offer, ok := decodeAllocation(t.payload)
	if !ok {
		return
	}

	matched := len(offer.uniqueID)
	if matched > uniqueIDSize {
		return
	}
	for i := 0; i < matched; i++ {
		if offer.uniqueID[i] != n.uid[i] {
			// Someone else's allocation exchange; start over.
			n.uidOffset = 0
			return
		}
	}

	if matched == uniqueIDSize {
		if offer.nodeID >= minNodeID && offer.nodeID <= maxNodeID {
			n.tr.localNodeID = offer.nodeID
			n.confirmedLocalNodeID.Store(uint32(offer.nodeID))
		}
		return
	}

	// Partial match: continue from where the allocator's echo ends, and
	// answer quickly so the exchange completes before it goes stale.
	n.uidOffset = matched
	n.allocDeadline = now + uint64(n.rng.Int63n(allocFollowupSpread))
}

func (n *Node) handleGetNodeInfo(t rxTransfer) {
	info := nodeInfo{
		hardwareMajor: n.cfg.HardwareMajor,
		hardwareMinor: n.cfg.HardwareMinor,
		uniqueID:      n.uid,
		certificate:   n.cfg.Certificate,
		name:          n.cfg.NodeName,
	}
	if app, ok := n.ctrl.AppInfo(); ok {
		info.softwareMajor = app.Major
		info.softwareMinor = app.Minor
		info.vcsCommit = app.VCSCommit
		info.imageCRC = app.ImageCRC
	}

	n.mu.Lock()
	status := encodeNodeStatus(n.clock.UptimeSeconds(), n.health, n.mode)
	n.tr.respond(priorityService, SvcGetNodeInfoID, SvcGetNodeInfoSignature, t,
		encodeGetNodeInfoResponse(status, &info))
	n.mu.Unlock()
}

func (n *Node) handleBeginFirmwareUpdate(t rxTransfer) {
	req, ok := decodeBeginFirmwareUpdate(t.payload)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	result := beginFWUpdateOK
	if n.serverNodeID != 0 {
		result = beginFWUpdateInProgress
	} else {
		server := req.sourceNodeID
		if server == 0 {
			server = t.sourceNode
		}
		n.serverNodeID = server
		n.filePath = req.path
	}

	n.tr.respond(priorityService, SvcBeginFirmwareUpdateID, SvcBeginFirmwareUpdateSignature, t,
		[]byte{result})
}

func (n *Node) handleRestartNode(t rxTransfer) {
	magic, ok := decodeRestartMagic(t.payload)
	if !ok || magic != restartMagic {
		n.log.WithField("magic", magic).Debug("restart request with bad magic ignored")
		return
	}

	n.mu.Lock()
	n.tr.respond(priorityService, SvcRestartNodeID, SvcRestartNodeSignature, t, []byte{1 << 7})
	n.mu.Unlock()

	n.log.Info("restart requested")
	n.RequestReboot()
}

func (n *Node) handleFileReadResponse(t rxTransfer) {
	resp, ok := decodeFileReadResponse(t.payload)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.awaitingRead {
		return
	}
	n.readResponse = resp
	n.readOK = true
	n.awaitingRead = false
}

// Download implements bootloader.Downloader: it reads the remote file in
// fixed windows via the FileRead service until an empty chunk marks EOF,
// feeding every chunk into the sink.
func (n *Node) Download(sink io.Writer) error {
	n.mu.Lock()
	server := n.serverNodeID
	path := n.filePath
	n.mu.Unlock()

	if server == 0 {
		return ErrProtocol
	}

	var offset uint64
	for {
		if n.RebootRequested() {
			return ErrTransferCancelled
		}

		resp, err := n.fileReadCall(offset, path)
		if err != nil {
			return err
		}
		if resp.err < 0 {
			n.log.WithField("fs_error", resp.err).Error("file server refused the read")
			return ErrRemoteRefused
		}
		if len(resp.data) == 0 {
			return nil // EOF
		}

		if _, err := sink.Write(resp.data); err != nil {
			return err
		}
		offset += uint64(len(resp.data))
	}
}

// fileReadCall performs one FileRead exchange: send the request, poll
// until the matching response arrives, re-send on timeout up to the retry
// budget.
func (n *Node) fileReadCall(offset uint64, path string) (fileReadResponse, error) {
	payload := encodeFileReadRequest(offset, path)

	for attempt := 0; attempt < fileReadRetries; attempt++ {
		n.mu.Lock()
		server := n.serverNodeID
		n.awaitingRead = true
		n.readOK = false
		queued := n.tr.request(priorityService, SvcFileReadID, SvcFileReadSignature,
			server, &n.fileReadTID, payload)
		n.mu.Unlock()

		if !queued {
			return fileReadResponse{}, ErrDriver
		}

		deadline := n.clock.Micros() + fileReadTimeoutUS
		for n.clock.Micros() < deadline {
			if n.RebootRequested() {
				return fileReadResponse{}, ErrTransferCancelled
			}
			n.poll()

			n.mu.Lock()
			if n.readOK {
				resp := n.readResponse
				n.readOK = false
				n.mu.Unlock()
				return resp, nil
			}
			n.mu.Unlock()
		}
	}

	n.mu.Lock()
	n.awaitingRead = false
	n.mu.Unlock()
	return fileReadResponse{}, ErrProtocol
}
