package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmlstream"
	mxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/stanza"

	"github.com/cory-johannsen/gameroom/internal/config"
)

// ErrClosed is returned by Send after the stream has been closed, and by
// Serve when the server ends the stream.
var ErrClosed = errors.New("xmpp: stream closed")

// Handler receives stanzas decoded from the component stream.
// Calls are made sequentially from the Serve goroutine.
type Handler interface {
	HandleMessage(*Message)
	HandlePresence(*Presence)
	HandleIQ(*IQ)
}

// Route selects the messages Serve passes to a Handler: those of Type
// carrying a Payload child.
type Route struct {
	Type    stanza.MessageType
	Payload xml.Name
}

// Conn is an authenticated external component session (XEP-0114).
// Send is safe for concurrent use; Serve must run on a single goroutine.
type Conn struct {
	session *mxmpp.Session
	raw     net.Conn
	logger  *zap.Logger

	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Dial connects to the XMPP server's component port and authenticates.
//
// Precondition: cfg must have passed validation; logger must be non-nil.
// Postcondition: Returns an authenticated Conn or a non-nil error. The
// underlying connection is closed on failure.
func Dial(ctx context.Context, cfg config.ComponentConfig, logger *zap.Logger) (*Conn, error) {
	start := time.Now()
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}
	c, err := Handshake(ctx, raw, cfg, logger)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	logger.Info("component stream established",
		zap.String("addr", cfg.Addr()),
		zap.String("domain", cfg.Domain),
		zap.String("stream_id", c.session.In().ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return c, nil
}

// Handshake opens a component stream over raw and authenticates with the
// shared secret. cfg.ReadTimeout bounds the whole negotiation, as does ctx.
//
// Precondition: raw must be a fresh, open connection.
// Postcondition: Returns an authenticated Conn or a non-nil error; raw is
// left open on error. A rejected secret surfaces as a stream.Error.
func Handshake(ctx context.Context, raw net.Conn, cfg config.ComponentConfig, logger *zap.Logger) (*Conn, error) {
	addr, err := jid.New("", cfg.Domain, "")
	if err != nil {
		return nil, fmt.Errorf("component domain %q: %w", cfg.Domain, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := raw.SetDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("setting handshake deadline: %w", err)
		}
	}
	session, err := component.NewSession(ctx, addr, []byte(cfg.Secret), raw)
	if err != nil {
		return nil, fmt.Errorf("component handshake: %w", err)
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing handshake deadline: %w", err)
	}
	return &Conn{
		session:      session,
		raw:          raw,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Serve dispatches stanzas to h until the stream ends, ctx is cancelled, or
// a read fails. Pings are answered here. Other IQ requests get
// service-unavailable. Messages reach h only when they match one of routes;
// presences only when they carry a MUC user payload or an error.
//
// Postcondition: Returns nil when ctx was cancelled, ErrClosed when the server
// closed the stream, otherwise the error that ended it.
func (c *Conn) Serve(ctx context.Context, h Handler, routes ...Route) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	err := c.session.Serve(c.mux(h, routes))
	switch {
	case ctx.Err() != nil:
		return nil
	case err == nil:
		return ErrClosed
	default:
		return fmt.Errorf("serving stream: %w", err)
	}
}

func (c *Conn) mux(h Handler, routes []Route) *mux.ServeMux {
	iqs := mux.IQHandlerFunc(func(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		out := IQ{IQ: iq}
		if start.Name.Local != "" {
			d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), t))
			for {
				var el Element
				err := d.Decode(&el)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					c.dropped("iq", err)
					return nil
				}
				out.Payload = append(out.Payload, el)
			}
		}
		h.HandleIQ(&out)
		return nil
	})
	presences := mux.PresenceHandlerFunc(func(_ stanza.Presence, t xmlstream.TokenReadEncoder) error {
		var p Presence
		if err := xml.NewTokenDecoder(t).Decode(&p); err != nil {
			c.dropped("presence", err)
			return nil
		}
		h.HandlePresence(&p)
		return nil
	})
	messages := mux.MessageHandlerFunc(func(_ stanza.Message, t xmlstream.TokenReadEncoder) error {
		var m Message
		if err := xml.NewTokenDecoder(t).Decode(&m); err != nil {
			c.dropped("message", err)
			return nil
		}
		h.HandleMessage(&m)
		return nil
	})

	userX := xml.Name{Space: muc.NSUser, Local: "x"}
	opts := []mux.Option{
		ping.Handle(),
		mux.IQ(stanza.ResultIQ, xml.Name{}, iqs),
		mux.IQ(stanza.ErrorIQ, xml.Name{}, iqs),
		mux.Presence(stanza.AvailablePresence, userX, presences),
		mux.Presence(stanza.UnavailablePresence, userX, presences),
		mux.Presence(stanza.ErrorPresence, xml.Name{Local: "error"}, presences),
	}
	for _, r := range routes {
		opts = append(opts, mux.Message(r.Type, r.Payload, messages))
	}
	return mux.New(component.NSAccept, opts...)
}

func (c *Conn) dropped(kind string, err error) {
	c.logger.Debug("dropping undecodable stanza", zap.String("stanza", kind), zap.Error(err))
}

// Send writes v to the stream.
//
// Postcondition: Returns ErrClosed after Close, or the write error.
func (c *Conn) Send(v xmlstream.Marshaler) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	return c.session.Send(context.Background(), v.TokenReader())
}

// Close ends the stream and closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_ = c.session.Close()
	return c.raw.Close()
}
