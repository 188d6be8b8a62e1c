// Package mailbox implements the async input mailbox (spec §4.7): a
// single-producer/single-consumer hand-off of user command lines with
// explicit ACK, translated from original_source/ui/input_async.c's two
// condition-variable handshake. Deliberately unbuffered: the producer
// must know a line was consumed before reading the next one, so stdin
// backpressure mirrors command execution.
package mailbox

import "sync"

// Mailbox hands text lines from one producer goroutine to one consumer
// goroutine. The zero value is not usable; use New.
type Mailbox struct {
	textMu   sync.Mutex
	textCond *sync.Cond
	textLen  int // -1 when the slot is empty
	text     string
	eof      bool

	ackMu   sync.Mutex
	ackCond *sync.Cond
	ack     bool
}

// New returns an empty Mailbox.
func New() *Mailbox {
	m := &Mailbox{textLen: -1}
	m.textCond = sync.NewCond(&m.textMu)
	m.ackCond = sync.NewCond(&m.ackMu)
	return m
}

// Deliver installs text as the mailbox's contents and blocks until the
// consumer has ACKed it. The caller (the producer) must not call
// Deliver again before this call returns — the mailbox enforces the "no
// reuse of the slot before ACK" invariant by construction, since Deliver
// itself waits for the ACK.
func (m *Mailbox) Deliver(text string) {
	m.textMu.Lock()
	m.text = text
	m.textLen = len(text)
	m.textMu.Unlock()
	m.textCond.Signal()

	m.ackMu.Lock()
	for !m.ack {
		m.ackCond.Wait()
	}
	m.ack = false
	m.ackMu.Unlock()
}

// DeliverEOF marks the mailbox as permanently exhausted. EOF is sticky:
// once delivered, Receive returns EOF forever.
func (m *Mailbox) DeliverEOF() {
	m.textMu.Lock()
	m.eof = true
	m.textMu.Unlock()
	m.textCond.Signal()
}

// Receive blocks until a line is available or EOF has been delivered. It
// returns ("", false) on EOF.
func (m *Mailbox) Receive() (line string, ok bool) {
	m.textMu.Lock()
	for !m.eof && m.textLen < 0 {
		m.textCond.Wait()
	}
	if m.eof && m.textLen < 0 {
		m.textMu.Unlock()
		return "", false
	}
	line = m.text
	m.textLen = -1
	m.textMu.Unlock()

	m.ackMu.Lock()
	m.ack = true
	m.ackMu.Unlock()
	m.ackCond.Signal()

	return line, true
}
