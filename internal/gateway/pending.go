package gateway

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

var errTimeout = errors.New("no response before timeout")

// continuation receives the response to an infrastructure request: the
// result or error IQ, or a nil IQ with the reason the request ended.
type continuation func(res *xmpp.IQ, err error)

type pendingRequest struct {
	timer *time.Timer
	cont  continuation
	// peer is the only address a response is accepted from.
	peer jid.JID
}

// call registers cont under id, arms the allocation timeout, and runs send.
// Only a response from peer completes the request. Loop only.
//
// Postcondition: cont runs exactly once: with the response, with errTimeout,
// with the send error, or with ErrStopped at shutdown.
func (g *Gateway) call(id string, peer jid.JID, send func() error, cont continuation) {
	p := &pendingRequest{cont: cont, peer: peer}
	p.timer = time.AfterFunc(g.cfg.AllocationTimeout, func() {
		g.post(func() { g.resolve(id, nil, errTimeout) })
	})
	g.pending[id] = p
	if err := send(); err != nil {
		g.resolve(id, nil, err)
	}
}

// resolve completes the request id. Unknown or already resolved ids are
// ignored, as are responses from anyone but the request's peer.
func (g *Gateway) resolve(id string, res *xmpp.IQ, err error) bool {
	p, ok := g.pending[id]
	if !ok {
		return false
	}
	if res != nil && !res.From.Equal(p.peer) {
		g.logger.Debug("response from unexpected peer",
			zap.String("id", id),
			zap.Stringer("from", res.From),
			zap.Stringer("want", p.peer),
		)
		return false
	}
	delete(g.pending, id)
	p.timer.Stop()
	p.cont(res, err)
	return true
}

// failPending ends every outstanding request with err.
func (g *Gateway) failPending(err error) {
	for id := range g.pending {
		g.logger.Debug("abandoning request", zap.String("id", id))
		g.resolve(id, nil, err)
	}
}
