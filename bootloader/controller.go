package bootloader

import (
	"io"
	"sync"
	"time"

	"github.com/tavrox/go-fieldboot/appimage"
)

// StorageBackend abstracts the target-specific application NVM routines.
//
// Upgrade bracket:
//  1. BeginUpgrade
//  2. WriteAt repeated until finished
//  3. EndUpgrade(success or not)
//
// The performance of ReadAt is critical: slow access may lead to watchdog
// timeouts, disruption of communications and premature expiration of the
// boot delay. Reads may short-read at the end of the region.
type StorageBackend interface {
	// ReadAt reads from the byte-addressed region; a short count marks the
	// region boundary.
	ReadAt(off int64, p []byte) (int, error)

	// WriteAt writes to the byte-addressed region. A short count with a nil
	// error is treated as a storage write failure by the sink.
	WriteAt(off int64, p []byte) (int, error)

	// BeginUpgrade prepares the region for rewriting (typically erases it).
	BeginUpgrade() error

	// EndUpgrade finalizes the upgrade bracket. It is always called once
	// per BeginUpgrade, with success reporting whether the download
	// completed.
	EndUpgrade(success bool) error
}

// Downloader transfers an application image from some remote into the sink.
// Implementations are protocol front-ends: the UAVCAN field node, the
// YMODEM serial receiver, or anything else that can produce image bytes.
type Downloader interface {
	// Download performs the transfer synchronously, writing every received
	// chunk into sink in order. If the sink returns an error, the transfer
	// must be aborted and the error returned.
	Download(sink io.Writer) error
}

// Controller is the main bootloader state machine. It validates the
// resident application image, arbitrates launch versus upgrade, and drives
// upgrade sessions through the storage backend.
//
// All public operations serialize on an internal mutex; the Controller is
// safe for concurrent use. Construction performs the initial descriptor
// scan, which may take a while on slow storage.
type Controller struct {
	mu      sync.Mutex
	backend StorageBackend
	cfg     Config

	state          State
	bootDelayStart time.Time
	appInfo        *appimage.AppInfo

	// scratch accelerates CRC scans; reused across all scans to keep the
	// worst-case scan latency inside the watchdog window.
	scratch []byte
}

// New creates a Controller over the given backend and executes the initial
// scan. An authentic resident image puts the controller into BootDelay,
// otherwise it starts in NoAppToBoot.
//
// Example:
//
//	ctrl := bootloader.New(backend,
//	    bootloader.WithMaxImageSize(256*1024),
//	    bootloader.WithBootDelay(5*time.Second),
//	)
func New(backend StorageBackend, opts ...Option) *Controller {
	if backend == nil {
		panic("backend cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Controller{
		backend: backend,
		cfg:     cfg,
		scratch: make([]byte, appimage.ScanChunk),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyAppAndUpdateState(BootDelay)
	return c
}

// State returns the current controller state. The BootDelay to ReadyToBoot
// promotion is evaluated lazily here, against the moment BootDelay was most
// recently entered.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == BootDelay && time.Since(c.bootDelayStart) >= c.cfg.BootDelay {
		c.logDebug("boot delay expired")
		c.state = ReadyToBoot
	}
	return c.state
}

// AppInfo returns the cached info about the resident application.
// The second return value is false when the last scan found nothing.
func (c *Controller) AppInfo() (appimage.AppInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.appInfo == nil {
		return appimage.AppInfo{}, false
	}
	return *c.appInfo, true
}

// CancelBoot switches the state to BootCancelled if the current state is
// BootDelay or ReadyToBoot; otherwise it is a no-op.
func (c *Controller) CancelBoot() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BootDelay, ReadyToBoot:
		c.state = BootCancelled
		c.logDebug("boot cancelled")
	case NoAppToBoot, BootCancelled, AppUpgradeInProgress:
	}
}

// RequestBoot switches the state to ReadyToBoot if the current state is
// BootDelay or BootCancelled; otherwise it is a no-op.
func (c *Controller) RequestBoot() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BootDelay, BootCancelled:
		c.state = ReadyToBoot
		c.logDebug("boot requested")
	case NoAppToBoot, AppUpgradeInProgress, ReadyToBoot:
	}
}

// Upgrade runs a complete application update: it brackets the backend with
// BeginUpgrade/EndUpgrade, streams the downloader's output into storage
// through a bounds-checking sink, and re-scans the region afterwards.
//
// The downloader executes without the controller lock so that protocol I/O
// can progress; every sink write re-acquires the lock for its chunk.
//
// Upgrade returns nil even if the freshly written image fails verification;
// whether a launchable image is present must be read from State afterwards.
func (c *Controller) Upgrade(downloader Downloader) error {
	// Preparation stage.
	c.mu.Lock()

	switch c.state {
	case BootDelay, BootCancelled, NoAppToBoot:
		// OK, continuing below
	case ReadyToBoot, AppUpgradeInProgress:
		c.mu.Unlock()
		return ErrInvalidState
	}

	c.state = AppUpgradeInProgress
	c.appInfo = nil // invalidate now, the storage is about to be modified

	if err := c.backend.BeginUpgrade(); err != nil {
		// The backend could have modified the storage already.
		c.verifyAppAndUpdateState(BootCancelled)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.logInfo("starting app upgrade")

	// Downloading stage. The new application streams into the backend via
	// the sink; each chunk is written under the lock.
	s := &sink{ctrl: c, startedAt: time.Now()}
	downloadErr := downloader.Download(s)

	c.logInfo("app download finished", "bytes", s.offset, "err", downloadErr)

	// Finalization stage.
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = NoAppToBoot // default until proven otherwise

	if downloadErr != nil {
		_ = c.backend.EndUpgrade(false) // backend must be finalized; its error is irrelevant
		c.verifyAppAndUpdateState(BootCancelled)
		return downloadErr
	}

	if err := c.backend.EndUpgrade(true); err != nil {
		c.logError("app storage finalization failed", "err", err)
		c.verifyAppAndUpdateState(BootCancelled)
		return err
	}

	// Everything went well. The re-scan decides whether the new image is
	// authentic; reporting that is outside this method's responsibility.
	c.verifyAppAndUpdateState(BootDelay)
	return nil
}

// verifyAppAndUpdateState re-scans the storage and moves to stateOnSuccess
// if an authentic descriptor is found, NoAppToBoot otherwise.
// Must be called with the lock held.
func (c *Controller) verifyAppAndUpdateState(stateOnSuccess State) {
	desc, offset, ok := appimage.Scan(c.backend, c.cfg.MaxImageSize, c.scratch)

	if ok {
		info := desc.Info
		c.appInfo = &info
		c.state = stateOnSuccess
		c.bootDelayStart = time.Now() // only meaningful when entering BootDelay

		c.logInfo("app found", "offset", offset, "info", info.String())
	} else {
		c.appInfo = nil
		c.state = NoAppToBoot

		c.logDebug("app not found")
	}
}

// sink streams data from the downloader into the application storage.
// It tracks a monotonically increasing offset and enforces the image bound.
type sink struct {
	ctrl      *Controller
	offset    int64
	startedAt time.Time
}

func (s *sink) Write(p []byte) (int, error) {
	c := s.ctrl

	c.mu.Lock()
	if s.offset+int64(len(p)) > int64(c.cfg.MaxImageSize) {
		c.mu.Unlock()
		return 0, ErrImageTooLarge
	}

	n, err := c.backend.WriteAt(s.offset, p)
	if err != nil {
		c.mu.Unlock()
		return n, err
	}
	if n != len(p) {
		c.mu.Unlock()
		return n, ErrStorageWriteFailure
	}
	s.offset += int64(n)
	c.mu.Unlock()

	if cb := c.cfg.ProgressCallback; cb != nil {
		cb(Progress{BytesWritten: s.offset, ElapsedTime: time.Since(s.startedAt)})
	}
	return n, nil
}

func (c *Controller) logDebug(msg string, keysAndValues ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (c *Controller) logInfo(msg string, keysAndValues ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (c *Controller) logError(msg string, keysAndValues ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Error(msg, keysAndValues...)
	}
}
