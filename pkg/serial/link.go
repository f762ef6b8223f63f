// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package serial implements the framed, checksummed and retransmitting
// protocol used to talk to machines reachable only over a byte stream.
//
// A message is split into data frames. Every data frame is acknowledged
// before the next one is sent (stop-and-wait). The receiver NAKs frames that
// fail the CRC and never delivers them; the sender retransmits on NAK or on
// ack timeout until the retry limit is exhausted.
//
// Exchanges are half-duplex: a peer starts sending only after it has received
// the whole message addressed to it. So a data frame that arrives while the
// last frame of a message awaits its ACK acknowledges that frame implicitly.
package serial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/probefuzz/probefuzz/pkg/log"
)

var (
	// ErrLinkExhausted is returned by Send when a frame is not acknowledged
	// after all retransmissions.
	ErrLinkExhausted = errors.New("serial link exhausted")
	// ErrTimeout is returned by Receive when no complete message arrives in time.
	ErrTimeout = errors.New("serial receive timeout")
	ErrClosed  = errors.New("serial link closed")
)

type Config struct {
	AckTimeout  time.Duration
	ByteTimeout time.Duration
	// Retries is the number of retransmissions of one frame.
	Retries    int
	MaxPayload int
	// Observer, if set, is called on every state machine transition.
	Observer func(Transition)
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:  time.Second,
		ByteTimeout: 100 * time.Millisecond,
		Retries:     5,
		MaxPayload:  1024,
	}
}

func (cfg *Config) validate() error {
	if cfg.AckTimeout <= 0 || cfg.ByteTimeout <= 0 {
		return fmt.Errorf("serial: timeouts must be positive")
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("serial: negative retries")
	}
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > MaxFrame {
		return fmt.Errorf("serial: max payload must be in [1, %v]", MaxFrame)
	}
	return nil
}

type Stats struct {
	FramesSent       int
	FramesReceived   int
	Retransmits      int
	AcksSent         int
	NaksSent         int
	AcksReceived     int
	NaksReceived     int
	Duplicates       int
	ImplicitAcks     int
	Timeouts         int
	MessagesSent     int
	MessagesReceived int
}

type Link struct {
	cfg  Config
	port io.ReadWriteCloser

	mu       sync.Mutex // serializes Send and Receive
	sender   machine
	receiver machine
	txSeq    byte
	lastRx   int // sequence number of the last delivered frame, -1 if none
	pending  []byte
	// early holds data frames that arrived while awaiting an ACK.
	early []*frame

	rx      chan []byte
	readErr error
	done    chan struct{}
	stopped chan struct{}

	statsMu sync.Mutex
	stats   Stats

	closeOnce sync.Once
}

// NewLink starts a link over port. The link owns the port and closes it in Close.
func NewLink(port io.ReadWriteCloser, cfg Config) (*Link, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Link{
		cfg:      cfg,
		port:     port,
		sender:   machine{name: Sender, observe: cfg.Observer},
		receiver: machine{name: Receiver, observe: cfg.Observer},
		lastRx:   -1,
		rx:       make(chan []byte, 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *Link) readLoop() {
	defer close(l.stopped)
	buf := make([]byte, 4096)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			select {
			case l.rx <- append([]byte(nil), buf[:n]...):
			case <-l.done:
				return
			}
		}
		if err != nil {
			l.readErr = err
			close(l.rx)
			return
		}
	}
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}

func (l *Link) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

func (l *Link) count(f func(*Stats)) {
	l.statsMu.Lock()
	f(&l.stats)
	l.statsMu.Unlock()
}

// Send transmits msg and returns once every frame has been acknowledged.
func (l *Link) Send(msg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender.state == Failed {
		l.sender.move(Idle)
	}
	chunks := fragment(msg, l.cfg.MaxPayload)
	for i, chunk := range chunks {
		var flags byte
		if i == len(chunks)-1 {
			flags |= FlagLast
		}
		if err := l.sendFrame(encodeData(l.txSeq, flags, chunk), flags&FlagLast != 0); err != nil {
			return err
		}
		l.txSeq++
	}
	l.count(func(s *Stats) { s.MessagesSent++ })
	return nil
}

// SendBudget bounds the time Send takes for a message of size bytes
// before it fails with ErrLinkExhausted.
func (l *Link) SendBudget(size int) time.Duration {
	frames := max((size+l.cfg.MaxPayload-1)/l.cfg.MaxPayload, 1)
	return time.Duration(frames*(l.cfg.Retries+1)) * l.cfg.AckTimeout
}

func (l *Link) sendFrame(data []byte, last bool) error {
	seq := data[1]
	l.sender.move(Sending)
	for attempt := 0; ; attempt++ {
		if _, err := l.port.Write(data); err != nil {
			l.sender.move(AwaitingAck)
			l.sender.move(Failed)
			return fmt.Errorf("serial write: %w", err)
		}
		l.count(func(s *Stats) { s.FramesSent++ })
		l.sender.move(AwaitingAck)
		acked, err := l.awaitAck(seq, last)
		if err != nil {
			l.sender.move(Failed)
			return err
		}
		if acked {
			l.sender.move(Idle)
			return nil
		}
		if attempt >= l.cfg.Retries {
			l.sender.move(Failed)
			return fmt.Errorf("%w: frame %v not acknowledged after %v attempts",
				ErrLinkExhausted, seq, attempt+1)
		}
		log.Logf(2, "serial: retransmitting frame %v", seq)
		l.count(func(s *Stats) { s.Retransmits++ })
		l.sender.move(Sending)
	}
}

// awaitAck waits for the acknowledgment of frame seq.
// It returns false on NAK or timeout.
// Data frames of the peer are kept for the next Receive. If seq is the last
// frame of a message, a new data frame acknowledges it.
func (l *Link) awaitAck(seq byte, last bool) (bool, error) {
	deadline := time.Now().Add(l.cfg.AckTimeout)
	for {
		f, err := l.readFrame(deadline)
		if err == errTimeout {
			l.count(func(s *Stats) { s.Timeouts++ })
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch f.kind {
		case ACK:
			if f.seq == seq {
				l.count(func(s *Stats) { s.AcksReceived++ })
				return true, nil
			}
			// Stale ack of an earlier retransmission.
		case NAK:
			// The receiver may not have parsed the sequence number, any NAK refers to the frame in flight.
			l.count(func(s *Stats) { s.NaksReceived++ })
			return false, nil
		case SOH:
			if !f.valid {
				// The peer retransmits it on ack timeout.
				continue
			}
			if int(f.seq) == l.lastRx {
				// The peer lost our ACK of a frame we already delivered.
				if err := l.control(ACK, f.seq); err != nil {
					return false, err
				}
				l.count(func(s *Stats) {
					s.AcksSent++
					s.Duplicates++
				})
				continue
			}
			l.stash(f)
			if last {
				l.count(func(s *Stats) { s.ImplicitAcks++ })
				return true, nil
			}
		}
	}
}

func (l *Link) stash(f *frame) {
	for _, e := range l.early {
		if e.seq == f.seq {
			return
		}
	}
	l.early = append(l.early, f)
}

// nextFrame returns frames kept by awaitAck before reading new ones.
func (l *Link) nextFrame(deadline time.Time) (*frame, error) {
	if len(l.early) != 0 {
		f := l.early[0]
		l.early = l.early[1:]
		return f, nil
	}
	return l.readFrame(deadline)
}

// Receive waits up to timeout for a complete message.
func (l *Link) Receive(timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline := time.Now().Add(timeout)
	var msg []byte
	l.receiver.move(Receiving)
	for {
		f, err := l.nextFrame(deadline)
		if err != nil {
			l.receiver.move(Idle)
			if err == errTimeout {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if f.kind != SOH {
			continue
		}
		l.count(func(s *Stats) { s.FramesReceived++ })
		l.receiver.move(Verifying)
		if !f.valid {
			l.receiver.move(NakSent)
			if err := l.control(NAK, f.seq); err != nil {
				l.receiver.move(Idle)
				return nil, err
			}
			l.count(func(s *Stats) { s.NaksSent++ })
			l.receiver.move(Receiving)
			continue
		}
		l.receiver.move(AckSent)
		if err := l.control(ACK, f.seq); err != nil {
			l.receiver.move(Idle)
			return nil, err
		}
		l.count(func(s *Stats) { s.AcksSent++ })
		if int(f.seq) == l.lastRx {
			// Our ack was lost and the sender retransmitted.
			l.count(func(s *Stats) { s.Duplicates++ })
			l.receiver.move(Receiving)
			continue
		}
		l.lastRx = int(f.seq)
		msg = append(msg, f.payload...)
		if f.last() {
			l.receiver.move(Idle)
			l.count(func(s *Stats) { s.MessagesReceived++ })
			if msg == nil {
				msg = []byte{}
			}
			return msg, nil
		}
		l.receiver.move(Receiving)
	}
}

func (l *Link) control(kind, seq byte) error {
	if _, err := l.port.Write(encodeControl(kind, seq)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

var errTimeout = errors.New("timeout")

func (l *Link) readByte(deadline time.Time) (byte, error) {
	for len(l.pending) == 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, errTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-l.done:
			timer.Stop()
			return 0, ErrClosed
		case data, ok := <-l.rx:
			timer.Stop()
			if !ok {
				if l.readErr == io.EOF {
					return 0, ErrClosed
				}
				return 0, fmt.Errorf("serial read: %w", l.readErr)
			}
			l.pending = data
		case <-timer.C:
			return 0, errTimeout
		}
	}
	b := l.pending[0]
	l.pending = l.pending[1:]
	return b, nil
}

// readFrame returns the next data or control frame. Bytes that do not start
// a frame are skipped. Within a frame every byte must arrive within ByteTimeout,
// otherwise the frame is returned as invalid.
func (l *Link) readFrame(deadline time.Time) (*frame, error) {
	for {
		kind, err := l.readByte(deadline)
		if err != nil {
			return nil, err
		}
		switch kind {
		case ACK, NAK:
			var ctl [2]byte
			if err := l.readFull(ctl[:], deadline); err != nil {
				if err == errTimeout {
					continue
				}
				return nil, err
			}
			if ctl[1] != ^ctl[0] {
				continue
			}
			return &frame{kind: kind, seq: ctl[0], valid: true}, nil
		case SOH:
			return l.readData(deadline)
		}
	}
}

func (l *Link) readData(deadline time.Time) (*frame, error) {
	var hdr [headerSize - 1]byte
	if err := l.readFull(hdr[:], deadline); err != nil {
		return l.truncated(hdr[0], err)
	}
	f := &frame{kind: SOH, seq: hdr[0], flags: hdr[1]}
	size := int(binary.LittleEndian.Uint16(hdr[2:]))
	if size > MaxFrame {
		return f, nil
	}
	body := make([]byte, size+trailerSize)
	if err := l.readFull(body, deadline); err != nil {
		return l.truncated(f.seq, err)
	}
	f.payload = body[:size]
	crc := crc32.ChecksumIEEE(append(hdr[:], f.payload...))
	f.valid = crc == binary.LittleEndian.Uint32(body[size:])
	return f, nil
}

func (l *Link) truncated(seq byte, err error) (*frame, error) {
	if err != errTimeout {
		return nil, err
	}
	return &frame{kind: SOH, seq: seq}, nil
}

func (l *Link) readFull(buf []byte, deadline time.Time) error {
	for i := range buf {
		byteDeadline := time.Now().Add(l.cfg.ByteTimeout)
		if deadline.Before(byteDeadline) {
			byteDeadline = deadline
		}
		b, err := l.readByte(byteDeadline)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}
