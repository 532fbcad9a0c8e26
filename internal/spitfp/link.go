package spitfp

import (
	"sync"
	"time"

	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/metrics"
	"github.com/tinkerforge/brickd/internal/queue"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// Timing constants (spec §4.7 "Polling cadence", §5 "Timeouts").
const (
	AckTimeout            = 5 * time.Millisecond
	DefaultPollInterval   = 200 * time.Microsecond
	BootstrapPollInterval = time.Millisecond
	SlowPollInterval      = 500 * time.Millisecond

	// FirstMessageTries is BRICKLET_STACK_FIRST_MESSAGE_TRIES: the
	// number of bootstrap-poll attempts before the link gives up on
	// eliciting an enumerate response and falls back to slow polling.
	FirstMessageTries = 1000

	recvRingSize  = 1024
	sendBufferCap = 83

	// responseQueueCap bounds the cross-thread response queue (spec
	// §4.7: handover onto it can fail, at which point the payload is
	// parked in the one-slot tmp buffer for the next tick).
	responseQueueCap = 64
)

// Notifier signals the reactor that the SPI thread pushed a response
// onto Link's response queue (spec §5: "An event-FD ... is
// semaphore-semantic: every response push signals one token, every
// reactor dequeue reads one token"). notify_linux.go's eventfd type
// satisfies this.
type Notifier interface {
	Signal()
}

// Link implements the SPITFP Link-layer state machine of spec §3.5/§4.7:
// one physical Bricklet port's framed, sequence-numbered, Pearson-
// checksummed SPI byte stream, driven by its own goroutine (spec §5:
// "one worker thread per SPITFP port").
//
// Grounded on the teacher's per-device read/write-transfer pump
// (internal/usb/brick.go, host/transfer.go's TransferManager) but
// restructured around a single-threaded link rather than libusb
// completion callbacks, since SPITFP has no hardware completion
// notification of its own: the master must poll.
type Link struct {
	hal      HAL
	port     string // diagnostic label, e.g. "group0/cs1"
	notifier Notifier

	sleepBetweenReads time.Duration
	startupWait       time.Duration

	requestQueue  *queue.Queue[[]byte]
	responseQueue *queue.Queue[[]byte]
	recvRing      *queue.Ring
	errCounters   FrameErrorCounter

	mu              sync.Mutex
	currentSeq      uint8
	lastSeqSeen     uint8
	sendBuf         []byte // pending frame awaiting ack; nil means idle
	sendBufSentAt   time.Time
	waitForAck      bool
	ackPending      bool
	tmpPayload      []byte // one-slot parked payload when the queue push failed (spec §4.7)
	dataSeen        bool
	firstMessageTry int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Link bound to hal. notifier is signalled once per
// response pushed to the response queue; sleepBetweenReads is the
// steady-state polling interval (spec §6 "bricklet.portX.sleep_between_reads",
// 0 selects DefaultPollInterval). startupWait delays the bootstrap
// enumerate request (spec §4.7 "Bootstrap").
func New(hal HAL, port string, sleepBetweenReads, startupWait time.Duration, notifier Notifier) *Link {
	if sleepBetweenReads <= 0 {
		sleepBetweenReads = DefaultPollInterval
	}
	return &Link{
		hal:               hal,
		port:              port,
		notifier:          notifier,
		sleepBetweenReads: sleepBetweenReads,
		startupWait:       startupWait,
		requestQueue:      queue.New[[]byte](),
		responseQueue:     queue.New[[]byte](),
		recvRing:          queue.NewRing(recvRingSize),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Enqueue hands request (a full TFP frame) to the SPI thread for
// transmission (spec §4.3 DispatchFunc contract: "accepted" once
// queued). The frame is sent FIFO relative to other enqueued requests.
func (l *Link) Enqueue(request []byte) {
	buf := make([]byte, len(request))
	copy(buf, request)
	l.requestQueue.Push(buf)
}

// PopResponse drains one payload pushed by the SPI thread, for the
// reactor to call after Notifier.Signal() wakes it (spec §5 semaphore
// discipline: one dequeue per signal).
func (l *Link) PopResponse() ([]byte, bool) {
	return l.responseQueue.Pop()
}

// Start launches the SPI polling goroutine (spec §5 "one worker thread
// per SPITFP port").
func (l *Link) Start() {
	go l.run()
}

// Stop requests the SPI thread to exit and blocks until it has (spec
// §5 "SPITFP threads observe their own running flag, drain, and join
// within a bounded deadline").
func (l *Link) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Link) run() {
	defer close(l.doneCh)

	if l.startupWait > 0 {
		select {
		case <-time.After(l.startupWait):
		case <-l.stopCh:
			return
		}
	}
	l.enqueueBootstrap()

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.tick()

		interval := l.pollInterval()
		select {
		case <-time.After(interval):
		case <-l.stopCh:
			return
		}
	}
}

// pollInterval implements spec §4.7's polling cadence: fast (1ms)
// before the first observed frame, falling back to slow (500ms) after
// FirstMessageTries failed bootstrap attempts, otherwise the
// configured steady-state interval.
func (l *Link) pollInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dataSeen {
		return l.sleepBetweenReads
	}
	if l.firstMessageTry >= FirstMessageTries {
		return SlowPollInterval
	}
	return BootstrapPollInterval
}

// enqueueBootstrap synthesizes the enumerate-stack request spec §4.7's
// "Bootstrap" describes to elicit enumeration from the attached
// co-processor.
func (l *Link) enqueueBootstrap() {
	req := make([]byte, tfp.HeaderSize)
	h := tfp.Header{UID: tfp.UIDDaemon, Length: tfp.HeaderSize, FunctionID: tfp.FunctionEnumerateCallback}
	h.SetResponseExpected(true)
	_ = tfp.MarshalHeader(h, req)
	l.Enqueue(req)
}

// tick runs one SPI transaction: fill the send buffer from a queued
// request or a pending ack/retransmit, clock it out while
// simultaneously reading, and feed received bytes to the ring parser.
func (l *Link) tick() {
	tx := l.prepareSendFrame()

	// Always read at least one byte to probe readiness (spec §4.7
	// "Receive ring buffer").
	rxLen := len(tx)
	if rxLen < 1 {
		rxLen = 1
	}
	txBuf := make([]byte, rxLen)
	copy(txBuf, tx)
	rxBuf := make([]byte, rxLen)

	if err := l.hal.Transfer(txBuf, rxBuf); err != nil {
		logx.Debug(logx.ComponentSPITFP, "spi transfer failed", "port", l.port, "err", err)
		return
	}

	if len(tx) > 0 {
		l.onSendAttempted()
	}
	l.bumpFirstMessageTry()

	l.feedRing(rxBuf)
	l.parseRing()
}

// prepareSendFrame returns the bytes to clock out this tick: a fresh
// message frame built from the next queued request, a retransmit of
// the still-unacked pending frame, a standalone ack, or nothing.
func (l *Link) prepareSendFrame() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sendBuf != nil {
		if time.Since(l.sendBufSentAt) >= AckTimeout {
			// Retransmit: rewrite byte 1 in case our view of the peer's
			// last-seen sequence number changed and recompute the
			// checksum (spec §4.7 "Retransmission").
			l.rewriteLastSeenLocked()
			l.waitForAck = false
			metrics.SPITFPAckTimeouts.WithLabelValues(l.port).Inc()
			return l.sendBuf
		}
		if !l.waitForAck {
			return l.sendBuf
		}
		return nil // awaiting ack, nothing new to clock yet
	}

	if l.ackPending {
		frame := BuildAckFrame(l.currentSeq, l.lastSeqSeen)
		l.ackPending = false
		return frame
	}

	if l.tmpPayload != nil {
		if l.tryHandoverLocked(l.tmpPayload) {
			l.tmpPayload = nil
			l.ackPending = true
		}
		return nil
	}

	if req, ok := l.requestQueue.Pop(); ok {
		l.currentSeq = NextSequenceNumber(l.currentSeq)
		frame := BuildMessageFrame(l.currentSeq, l.lastSeqSeen, req)
		l.sendBuf = frame
		l.waitForAck = false
		return frame
	}

	return nil
}

func (l *Link) rewriteLastSeenLocked() {
	if len(l.sendBuf) < 2 {
		return
	}
	l.sendBuf[1] = seqByte(l.currentSeq, l.lastSeqSeen)
	l.sendBuf[len(l.sendBuf)-1] = ChecksumBytes(l.sendBuf[:len(l.sendBuf)-1])
}

// bumpFirstMessageTry counts one bootstrap-poll attempt, until either
// data has been seen or the counter saturates at FirstMessageTries
// (spec §4.7 "after BRICKLET_STACK_FIRST_MESSAGE_TRIES (1000) failed
// attempts, stop pre-posting the bootstrap enumerate and sleep 500ms").
func (l *Link) bumpFirstMessageTry() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dataSeen || l.firstMessageTry >= FirstMessageTries {
		return
	}
	l.firstMessageTry++
}

func (l *Link) onSendAttempted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendBuf != nil && !l.waitForAck {
		l.sendBufSentAt = time.Now()
		l.waitForAck = true
	}
}

func (l *Link) feedRing(rx []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recvRing.AddSlice(rx)
}

// parseRing drains every complete frame currently buffered in the
// receive ring (spec §4.7 "Parser").
func (l *Link) parseRing() {
	for {
		l.mu.Lock()
		before := l.errCounters.ChecksumErrors
		pf, ok := ExtractFrame(l.recvRing, &l.errCounters)
		if !ok {
			newErrs := l.errCounters.ChecksumErrors - before
			l.mu.Unlock()
			if newErrs > 0 {
				metrics.SPITFPChecksumErrors.WithLabelValues(l.port).Add(float64(newErrs))
			}
			return
		}
		l.handleFrameLocked(pf)
		l.mu.Unlock()
	}
}

// handleFrameLocked processes one validated frame under l.mu.
func (l *Link) handleFrameLocked(pf ParsedFrame) {
	l.dataSeen = true

	if pf.IsAck {
		if l.sendBuf != nil && pf.Seq == l.currentSeq {
			l.sendBuf = nil
			l.waitForAck = false
		}
		// A stale ack (seq != current) is ignored; the pending frame
		// will be retransmitted on timeout (spec §4.7 "On valid ACK").
		return
	}

	if pf.Seq == l.lastSeqSeen && pf.Seq != FirstSequenceNumber {
		// Duplicate message: re-send (or defer) an ack and drop the
		// payload (spec §4.7 "On valid message").
		l.ackPending = true
		return
	}

	l.lastSeqSeen = pf.Seq
	payload := make([]byte, len(pf.Payload))
	copy(payload, pf.Payload)

	if l.tryHandoverLocked(payload) {
		// Handover succeeded: the peer is owed an ack now; prepareSendFrame
		// sends or defers it once the send buffer is idle (spec §4.7
		// "send or defer an ack").
		l.ackPending = true
	} else if l.tmpPayload == nil {
		// Handover failed (response queue at capacity): park the
		// payload in the one-slot tmp buffer and defer the ack until it
		// drains on a later tick (spec §4.7 "on handover failure, park
		// the payload ... and request an ack later").
		l.tmpPayload = payload
	} else {
		// The one slot is already occupied by an earlier parked
		// payload; this frame cannot be kept without violating the
		// one-slot rule, so it is dropped.
		logx.Warn(logx.ComponentSPITFP, "tmp handover slot already occupied, dropping payload", "port", l.port)
	}
}

// tryHandoverLocked attempts to push payload onto the bounded response
// queue, signalling the notifier on success. It reports false when the
// queue is at capacity, so the caller can park payload in the one-slot
// tmp buffer and retry it on a later tick (spec §4.7 "on handover
// failure").
func (l *Link) tryHandoverLocked(payload []byte) bool {
	if !l.responseQueue.TryPush(payload, responseQueueCap) {
		return false
	}
	if l.notifier != nil {
		l.notifier.Signal()
	}
	return true
}

// Diagnostics exposes read-only counters for tests and metrics.
func (l *Link) Diagnostics() (checksumErrors, frameErrors int, dataSeen bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errCounters.ChecksumErrors, l.errCounters.FrameErrors, l.dataSeen
}
