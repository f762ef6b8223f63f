// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lossyConn passes every write through fault, which may modify the bytes
// or return nil to drop them. Each Link write is one whole frame.
type lossyConn struct {
	net.Conn
	mu    sync.Mutex
	fault func(data []byte) []byte
}

func (c *lossyConn) Write(data []byte) (int, error) {
	c.mu.Lock()
	fault := c.fault
	c.mu.Unlock()
	if fault != nil {
		out := fault(append([]byte(nil), data...))
		if out == nil {
			return len(data), nil
		}
		if _, err := c.Conn.Write(out); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	return c.Conn.Write(data)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 2 * time.Second
	cfg.ByteTimeout = time.Second
	return cfg
}

type transitionLog struct {
	mu  sync.Mutex
	log []Transition
}

func (l *transitionLog) observe(t Transition) {
	l.mu.Lock()
	l.log = append(l.log, t)
	l.mu.Unlock()
}

func (l *transitionLog) get() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.log...)
}

func linkPair(t *testing.T, senderCfg, receiverCfg Config, fault func([]byte) []byte,
	ackFault func([]byte) []byte) (*Link, *Link) {
	a, b := net.Pipe()
	sender, err := NewLink(&lossyConn{Conn: a, fault: fault}, senderCfg)
	require.NoError(t, err)
	receiver, err := NewLink(&lossyConn{Conn: b, fault: ackFault}, receiverCfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		sender.Close()
		receiver.Close()
	})
	return sender, receiver
}

type result struct {
	msg []byte
	err error
}

func receiveAsync(l *Link, timeout time.Duration) chan result {
	res := make(chan result, 1)
	go func() {
		msg, err := l.Receive(timeout)
		res <- result{msg, err}
	}()
	return res
}

func TestSendReceive(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	cfg := testConfig()
	cfg.MaxPayload = 64
	sender, receiver := linkPair(t, cfg, cfg, nil, nil)
	for _, size := range []int{0, 1, 63, 64, 65, 1000} {
		msg := make([]byte, size)
		r.Read(msg)
		res := receiveAsync(receiver, 10*time.Second)
		require.NoError(t, sender.Send(msg))
		got := <-res
		require.NoError(t, got.err)
		if diff := cmp.Diff(msg, got.msg); diff != "" {
			t.Fatalf("size %v: message mismatch (-want +got):\n%s", size, diff)
		}
	}
	stats := sender.Stats()
	assert.Equal(t, 0, stats.Retransmits)
	assert.Equal(t, 6, stats.MessagesSent)
	assert.Equal(t, 6, receiver.Stats().MessagesReceived)
	assert.Equal(t, stats.FramesSent, receiver.Stats().AcksSent)
}

// A single corrupted payload byte costs exactly one NAK and one retransmission.
func TestCorruptedFrame(t *testing.T) {
	var senderLog, receiverLog transitionLog
	senderCfg, receiverCfg := testConfig(), testConfig()
	senderCfg.Observer = senderLog.observe
	receiverCfg.Observer = receiverLog.observe
	corrupted := false
	fault := func(data []byte) []byte {
		if data[0] == SOH && !corrupted {
			corrupted = true
			data[headerSize] ^= 0x20
		}
		return data
	}
	sender, receiver := linkPair(t, senderCfg, receiverCfg, fault, nil)
	msg := []byte("PRB1 probe image")
	res := receiveAsync(receiver, 10*time.Second)
	require.NoError(t, sender.Send(msg))
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, msg, got.msg)

	assert.Equal(t, 1, receiver.Stats().NaksSent)
	assert.Equal(t, 1, receiver.Stats().AcksSent)
	assert.Equal(t, 1, sender.Stats().NaksReceived)
	assert.Equal(t, 1, sender.Stats().Retransmits)
	assert.Equal(t, 2, sender.Stats().FramesSent)
	assert.Equal(t, 0, sender.Stats().Timeouts)

	wantSender := []Transition{
		{Sender, Idle, Sending},
		{Sender, Sending, AwaitingAck},
		{Sender, AwaitingAck, Sending},
		{Sender, Sending, AwaitingAck},
		{Sender, AwaitingAck, Idle},
	}
	if diff := cmp.Diff(wantSender, senderLog.get()); diff != "" {
		t.Errorf("sender transitions mismatch (-want +got):\n%s", diff)
	}
	wantReceiver := []Transition{
		{Receiver, Idle, Receiving},
		{Receiver, Receiving, Verifying},
		{Receiver, Verifying, NakSent},
		{Receiver, NakSent, Receiving},
		{Receiver, Receiving, Verifying},
		{Receiver, Verifying, AckSent},
		{Receiver, AckSent, Idle},
	}
	if diff := cmp.Diff(wantReceiver, receiverLog.get()); diff != "" {
		t.Errorf("receiver transitions mismatch (-want +got):\n%s", diff)
	}
}

// No corruption of any single frame byte leads to delivery of a corrupted payload.
func TestCorruptionNeverDelivered(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	cfg := testConfig()
	cfg.MaxPayload = 16
	cfg.AckTimeout = 300 * time.Millisecond
	cfg.ByteTimeout = 50 * time.Millisecond
	for i := 0; i < 30; i++ {
		msg := make([]byte, 1+r.Intn(60))
		r.Read(msg)
		frames := len(fragment(msg, cfg.MaxPayload))
		target := r.Intn(frames)
		pos, mask := -1, byte(1<<r.Intn(8))
		seen := 0
		fault := func(data []byte) []byte {
			if data[0] != SOH {
				return data
			}
			if seen == target {
				if pos < 0 {
					pos = 1 + r.Intn(len(data)-1)
				}
				data[pos] ^= mask
			}
			seen++
			return data
		}
		sender, receiver := linkPair(t, cfg, cfg, fault, nil)
		res := receiveAsync(receiver, 10*time.Second)
		require.NoError(t, sender.Send(msg), "iteration %v", i)
		got := <-res
		require.NoError(t, got.err)
		if !bytes.Equal(msg, got.msg) {
			t.Fatalf("iteration %v: delivered %x, sent %x", i, got.msg, msg)
		}
		assert.GreaterOrEqual(t, sender.Stats().Retransmits, 1)
	}
}

// A lost ACK makes the sender retransmit; the receiver re-acks the duplicate
// without delivering it twice.
func TestLostAck(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayload = 4
	cfg.AckTimeout = 200 * time.Millisecond
	dropped := false
	ackFault := func(data []byte) []byte {
		if data[0] == ACK && !dropped {
			dropped = true
			return nil
		}
		return data
	}
	sender, receiver := linkPair(t, cfg, cfg, nil, ackFault)
	msg := []byte("0123456789")
	res := receiveAsync(receiver, 10*time.Second)
	require.NoError(t, sender.Send(msg))
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, msg, got.msg)
	assert.Equal(t, 1, sender.Stats().Timeouts)
	assert.Equal(t, 1, sender.Stats().Retransmits)
	assert.Equal(t, 1, receiver.Stats().Duplicates)
}

func TestLinkExhausted(t *testing.T) {
	var log transitionLog
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.Retries = 3
	cfg.Observer = log.observe
	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	sender, err := NewLink(a, cfg)
	require.NoError(t, err)
	defer sender.Close()
	defer b.Close()

	err = sender.Send([]byte("hello"))
	require.True(t, errors.Is(err, ErrLinkExhausted), "got %v", err)
	stats := sender.Stats()
	assert.Equal(t, 4, stats.FramesSent)
	assert.Equal(t, 3, stats.Retransmits)
	assert.Equal(t, 4, stats.Timeouts)
	transitions := log.get()
	assert.Equal(t, Transition{Sender, AwaitingAck, Failed}, transitions[len(transitions)-1])

	// A failed link is reset by the next message.
	err = sender.Send([]byte("again"))
	require.True(t, errors.Is(err, ErrLinkExhausted), "got %v", err)
	assert.Equal(t, Transition{Sender, Failed, Idle}, log.get()[len(transitions)])
}

// dropFirstAck loses the first ACK written through it.
func dropFirstAck() func([]byte) []byte {
	dropped := false
	return func(data []byte) []byte {
		if data[0] == ACK && !dropped {
			dropped = true
			return nil
		}
		return data
	}
}

// The device replies right after the upload. If its ACK of the last upload
// frame is lost, the reply itself acknowledges the upload.
func TestLostFinalAck(t *testing.T) {
	cfg := testConfig()
	host, device := linkPair(t, cfg, cfg, nil, dropFirstAck())
	done := make(chan error, 1)
	go func() {
		msg, err := device.Receive(10 * time.Second)
		if err == nil && string(msg) != "probe" {
			err = fmt.Errorf("device got %q", msg)
		}
		if err == nil {
			err = device.Send([]byte("output block"))
		}
		done <- err
	}()
	require.NoError(t, host.Send([]byte("probe")))
	reply, err := host.Receive(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("output block"), reply)
	require.NoError(t, <-done)

	stats := host.Stats()
	assert.Equal(t, 1, stats.ImplicitAcks)
	assert.Equal(t, 0, stats.Retransmits)
	assert.Equal(t, 1, stats.MessagesReceived)
	assert.Equal(t, 1, device.Stats().MessagesSent)
}

// The host retransmits the upload while the device is busy. The device
// re-acks the retransmissions while it waits for the ACK of its reply.
func TestRetransmissionDuringReply(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.Retries = 5
	host, device := linkPair(t, cfg, cfg, nil, dropFirstAck())
	done := make(chan error, 1)
	go func() {
		_, err := device.Receive(10 * time.Second)
		if err == nil {
			time.Sleep(250 * time.Millisecond)
			err = device.Send([]byte("output block"))
		}
		done <- err
	}()
	require.NoError(t, host.Send([]byte("probe")))
	reply, err := host.Receive(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("output block"), reply)
	require.NoError(t, <-done)

	assert.GreaterOrEqual(t, host.Stats().Retransmits, 1)
	assert.GreaterOrEqual(t, device.Stats().Duplicates, 1)
	assert.Equal(t, 1, device.Stats().MessagesReceived)
}

// brokenWriter fails every write.
type brokenWriter struct {
	net.Conn
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("port unplugged")
}

func TestNakWriteFailure(t *testing.T) {
	var log transitionLog
	cfg := testConfig()
	cfg.Observer = log.observe
	a, b := net.Pipe()
	defer b.Close()
	receiver, err := NewLink(brokenWriter{a}, cfg)
	require.NoError(t, err)
	defer receiver.Close()
	data := encodeData(0, FlagLast, []byte("hello"))
	data[headerSize] ^= 0xff
	go b.Write(data)
	assert.NotPanics(t, func() {
		_, err = receiver.Receive(time.Second)
	})
	assert.ErrorContains(t, err, "port unplugged")
	transitions := log.get()
	require.NotEmpty(t, transitions)
	assert.Equal(t, Transition{Receiver, NakSent, Idle}, transitions[len(transitions)-1])

	// The receiver is usable again.
	assert.NotPanics(t, func() { receiver.Receive(10 * time.Millisecond) })
}

// chattyPort produces data forever and ignores Close.
type chattyPort struct {
	nopPort
}

func (chattyPort) Read(buf []byte) (int, error) {
	buf[0] = 'x'
	return 1, nil
}

func TestCloseStopsReader(t *testing.T) {
	l, err := NewLink(chattyPort{}, DefaultConfig())
	require.NoError(t, err)
	// Let the receive buffer fill up.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Close())
	select {
	case <-l.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop is still running after Close")
	}
	_, err = l.Receive(time.Second)
	assert.Equal(t, ErrClosed, err)
}

func TestReceiveTimeout(t *testing.T) {
	cfg := testConfig()
	a, b := net.Pipe()
	defer b.Close()
	receiver, err := NewLink(a, cfg)
	require.NoError(t, err)
	defer receiver.Close()
	go io.Copy(io.Discard, b)
	// Garbage and a truncated frame are not a message.
	go b.Write([]byte{'x', 'y', SOH, 0, FlagLast})
	_, err = receiver.Receive(300 * time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		m        Machine
		from, to State
		valid    bool
	}{
		{Sender, Idle, Sending, true},
		{Sender, AwaitingAck, Failed, true},
		{Sender, Idle, AwaitingAck, false},
		{Sender, Failed, Sending, false},
		{Receiver, Verifying, NakSent, true},
		{Receiver, NakSent, Idle, true},
		{Receiver, NakSent, AckSent, false},
		{Receiver, AckSent, Receiving, true},
		{Receiver, Idle, Verifying, false},
	}
	for _, test := range tests {
		if got := Valid(test.m, test.from, test.to); got != test.valid {
			t.Errorf("%v %v -> %v: valid=%v, want %v", test.m, test.from, test.to, got, test.valid)
		}
	}
	m := &machine{name: Sender}
	assert.Panics(t, func() { m.move(Failed) })
}

func TestConfigValidate(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.AckTimeout = 0 },
		func(c *Config) { c.Retries = -1 },
		func(c *Config) { c.MaxPayload = MaxFrame + 1 },
		func(c *Config) { c.MaxPayload = 0 },
	}
	for i, f := range bad {
		cfg := DefaultConfig()
		f(&cfg)
		if _, err := NewLink(nopPort{}, cfg); err == nil {
			t.Errorf("#%v: config accepted", i)
		}
	}
}

type nopPort struct{}

func (nopPort) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopPort) Write(b []byte) (int, error) { return len(b), nil }
func (nopPort) Close() error                { return nil }

func TestSendBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayload = 100
	cfg.Retries = 2
	cfg.AckTimeout = time.Second
	l, err := NewLink(nopPort{}, cfg)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, 3*time.Second, l.SendBudget(0))
	assert.Equal(t, 3*time.Second, l.SendBudget(100))
	assert.Equal(t, 6*time.Second, l.SendBudget(101))
}
