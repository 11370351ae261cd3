// Package sqtest provides minimal in-memory fakes of internal/sq's Peer
// and DynamicQueryLauncher collaborators, for internal/sq's own tests.
package sqtest

import "github.com/kyungmin4444/gtk-gnutella/internal/sq"

// Peer is a scriptable fake of sq.Peer.
type Peer struct {
	WritableV        bool
	AcceptsHopsZeroV bool
	InFlowControlV   bool
	ReceivedAnyV     bool
	Enqueued         [][]byte
	onSentCallbacks  []func()
}

// NewPeer returns a Peer ready to dispatch (all gates open).
func NewPeer() *Peer {
	return &Peer{
		WritableV:        true,
		AcceptsHopsZeroV: true,
		ReceivedAnyV:     true,
	}
}

func (p *Peer) Writable() bool          { return p.WritableV }
func (p *Peer) AcceptsHopsZero() bool   { return p.AcceptsHopsZeroV }
func (p *Peer) InFlowControl() bool     { return p.InFlowControlV }
func (p *Peer) ReceivedAnyMessage() bool { return p.ReceivedAnyV }

func (p *Peer) Enqueue(msg []byte, onSent func()) {
	p.Enqueued = append(p.Enqueued, msg)
	if onSent != nil {
		p.onSentCallbacks = append(p.onSentCallbacks, onSent)
	}
}

// FireOnSent invokes every onSent callback recorded so far and clears them,
// simulating the transport confirming dispatch.
func (p *Peer) FireOnSent() {
	cbs := p.onSentCallbacks
	p.onSentCallbacks = nil
	for _, cb := range cbs {
		cb()
	}
}

// Launch is one recorded DynamicQueryLauncher.Launch call.
type Launch struct {
	Handle sq.SearchHandle
	Msg    []byte
	QHV    []byte
}

// Launcher is a recording fake of sq.DynamicQueryLauncher.
type Launcher struct {
	Launches []Launch
}

func (l *Launcher) Launch(handle sq.SearchHandle, msg []byte, qhv []byte) {
	l.Launches = append(l.Launches, Launch{Handle: handle, Msg: msg, QHV: qhv})
}
