// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package serial

import (
	"fmt"
)

type State int

const (
	Idle State = iota
	Sending
	AwaitingAck
	Failed
	Receiving
	Verifying
	AckSent
	NakSent
)

var stateNames = [...]string{
	Idle:        "Idle",
	Sending:     "Sending",
	AwaitingAck: "AwaitingAck",
	Failed:      "Failed",
	Receiving:   "Receiving",
	Verifying:   "Verifying",
	AckSent:     "AckSent",
	NakSent:     "NakSent",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Machine string

const (
	Sender   Machine = "sender"
	Receiver Machine = "receiver"
)

// Transition is reported to the link observer on every state change.
type Transition struct {
	Machine Machine
	From    State
	To      State
}

func (t Transition) String() string {
	return fmt.Sprintf("%v: %v -> %v", t.Machine, t.From, t.To)
}

var transitions = map[Machine]map[State][]State{
	Sender: {
		Idle:        {Sending},
		Sending:     {AwaitingAck},
		AwaitingAck: {Idle, Sending, Failed},
		// A failed link is reset before the next message.
		Failed: {Idle},
	},
	Receiver: {
		Idle: {Receiving},
		// Receiving falls back to Idle when the receive deadline expires.
		Receiving: {Verifying, Idle},
		Verifying: {AckSent, NakSent},
		AckSent:   {Idle, Receiving},
		// NakSent falls back to Idle when the NAK cannot be written.
		NakSent: {Receiving, Idle},
	},
}

// Valid reports whether the machine may move from one state to the other.
func Valid(m Machine, from, to State) bool {
	for _, next := range transitions[m][from] {
		if next == to {
			return true
		}
	}
	return false
}

type machine struct {
	name    Machine
	state   State
	observe func(Transition)
}

func (m *machine) move(to State) {
	if !Valid(m.name, m.state, to) {
		panic(fmt.Sprintf("serial %v: invalid transition %v -> %v", m.name, m.state, to))
	}
	t := Transition{Machine: m.name, From: m.state, To: to}
	m.state = to
	if m.observe != nil {
		m.observe(t)
	}
}
