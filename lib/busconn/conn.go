// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package busconn

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bureau-foundation/databus/lib/clock"
	"github.com/bureau-foundation/databus/lib/codec"
	"github.com/bureau-foundation/databus/lib/netutil"
	"github.com/bureau-foundation/databus/lib/wire"
)

const (
	// DefaultRequestTimeout bounds how long Call waits for a response
	// when Options.RequestTimeout is zero.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultDialTimeout bounds a single TCP connect attempt.
	DefaultDialTimeout = 5 * time.Second

	// DefaultMaxRetryInterval caps the backoff between dial attempts.
	DefaultMaxRetryInterval = 2 * time.Second

	// readBufferSize is the size of each socket read. Frames larger than
	// this are reassembled across reads.
	readBufferSize = 32 * 1024
)

// Options configures a connection. The zero value is usable: one dial
// attempt, default timeouts, no handshake, slog.Default, real clock.
type Options struct {
	// RequestTimeout bounds each Call. Zero selects
	// DefaultRequestTimeout; negative disables the timeout so only the
	// caller's context applies.
	RequestTimeout time.Duration

	// DialTimeout bounds each connect attempt. Zero selects
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// DialAttempts is the total number of connect attempts before Dial
	// gives up. Values below 1 mean a single attempt.
	DialAttempts int

	// MinRetryInterval and MaxRetryInterval bound the exponential
	// backoff between attempts. Zero MaxRetryInterval selects
	// DefaultMaxRetryInterval.
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration

	// Handshake makes Dial exchange a Hello with the kernel before
	// returning, so an endpoint that accepts TCP but does not speak the
	// protocol fails at open time rather than on first use.
	Handshake bool

	Logger *slog.Logger
	Clock  clock.Clock
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.DialAttempts < 1 {
		o.DialAttempts = 1
	}
	if o.MaxRetryInterval == 0 {
		o.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// Conn is one physical connection to the kernel carrying any number of
// concurrent requests.
type Conn struct {
	conn           net.Conn
	logger         *slog.Logger
	clock          clock.Clock
	requestTimeout time.Duration

	sequence Sequence
	pending  *pendingTable

	// sendMu serializes frame writes so frames never interleave.
	sendMu sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial resolves host once, connects with TCP_NODELAY, retries failed
// connects with exponential backoff up to Options.DialAttempts, and
// starts the reader. With Options.Handshake it also completes a Hello
// round trip before returning.
func Dial(ctx context.Context, host string, port int, options Options) (*Conn, error) {
	options = options.withDefaults()

	address, err := netutil.ResolveTCP(ctx, host, port)
	if err != nil {
		return nil, err
	}

	retry := &backoff.Backoff{
		Min:    options.MinRetryInterval,
		Max:    options.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}

	var tcpConn *net.TCPConn
	for {
		tcpConn, err = netutil.DialTCP(ctx, address, options.DialTimeout)
		if err == nil {
			break
		}
		attempt := int(retry.Attempt()) + 1
		if attempt >= options.DialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("dialing databus kernel at %s (attempt %d/%d): %w",
				address, attempt, options.DialAttempts, err)
		}
		delay := retry.Duration()
		options.Logger.Warn("databus dial failed, retrying",
			"address", address.String(),
			"attempt", attempt,
			"max_attempts", options.DialAttempts,
			"retry_in", delay,
			"error", err,
		)
		timer := options.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dialing databus kernel at %s: %w", address, ctx.Err())
		case <-timer.C:
		}
	}

	conn := NewConn(tcpConn, options)
	if options.Handshake {
		if _, err := conn.Call(ctx, wire.Hello{}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("handshake with databus kernel at %s: %w", address, err)
		}
	}
	options.Logger.Debug("databus connection established", "address", address.String())
	return conn, nil
}

// NewConn wraps an established stream connection and starts its reader.
// Dial is the usual entry point; NewConn exists for callers that supply
// their own transport, such as tests using net.Pipe.
func NewConn(conn net.Conn, options Options) *Conn {
	options = options.withDefaults()
	c := &Conn{
		conn:           conn,
		logger:         options.Logger,
		clock:          options.Clock,
		requestTimeout: options.RequestTimeout,
		pending:        newPendingTable(),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends request and waits for its response. A response carrying a
// non-None error code, or an Error frame, is returned as a
// *wire.CoreError (with the decoded response, when there is one).
func (c *Conn) Call(ctx context.Context, request wire.Message) (wire.Response, error) {
	kind := request.Kind()
	body, err := wire.EncodeBody(request)
	if err != nil {
		return nil, err
	}

	number, waiter, err := c.pending.register(&c.sequence, kind)
	if err != nil {
		return nil, err
	}

	frame, err := wire.AppendFrame(make([]byte, 0, wire.HeaderSize+len(body)), kind, number, body)
	if err != nil {
		c.pending.take(number)
		return nil, err
	}

	c.sendMu.Lock()
	_, writeErr := c.conn.Write(frame)
	c.sendMu.Unlock()
	if writeErr != nil {
		c.pending.take(number)
		c.terminate(fmt.Errorf("writing %s frame: %w", kind, writeErr))
		return nil, c.Err()
	}

	var timeout <-chan time.Time
	if c.requestTimeout > 0 {
		timer := c.clock.NewTimer(c.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case outcome := <-waiter:
		return outcome.response, outcome.err
	case <-ctx.Done():
		c.pending.abandon(number)
		return nil, fmt.Errorf("%s request %d: %w", kind, number, ctx.Err())
	case <-timeout:
		c.pending.abandon(number)
		return nil, fmt.Errorf("%w: %s request %d after %v", ErrTimeout, kind, number, c.requestTimeout)
	}
}

// Close shuts the connection down, fails outstanding requests with
// ErrClosed, and waits for the reader to exit. Safe to call more than
// once.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
	<-c.done
	return nil
}

// Done is closed when the reader has exited and the connection is
// unusable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection stopped, or nil while it is alive.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a response, including
// timed-out requests whose late response has not yet arrived.
func (c *Conn) Pending() int {
	return c.pending.len()
}

// RemoteAddr returns the kernel's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	var assembler wire.Assembler
	buffer := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buffer)
		if n > 0 {
			frames, frameErr := assembler.Feed(buffer[:n])
			for _, frame := range frames {
				c.dispatch(frame)
			}
			if frameErr != nil {
				c.terminate(fmt.Errorf("%w: %w", ErrProtocol, frameErr))
				return
			}
		}
		if err != nil {
			c.terminate(err)
			return
		}
	}
}

// dispatch delivers one frame to its pending request.
func (c *Conn) dispatch(frame wire.Frame) {
	entry, ok := c.pending.take(frame.Sequence)
	if !ok {
		c.logger.Debug("discarding databus frame with no pending request",
			"kind", frame.Kind.String(),
			"sequence", frame.Sequence,
		)
		return
	}
	if entry.abandoned {
		c.logger.Debug("late databus response for abandoned request",
			"kind", frame.Kind.String(),
			"sequence", frame.Sequence,
		)
	}
	entry.waiter <- c.decode(entry.kind, frame)
}

func (c *Conn) decode(requested wire.Kind, frame wire.Frame) result {
	if frame.Kind == wire.KindError {
		response, err := wire.DecodeResponse(wire.KindError, frame.Body)
		if err != nil {
			c.logUndecodable(frame, err)
			return result{err: fmt.Errorf("%w: %w", ErrProtocol, err)}
		}
		code := response.Status()
		if code == wire.CodeNone {
			code = wire.CodeProtocolError
		}
		return result{response: response, err: &wire.CoreError{Kind: requested, Code: code}}
	}
	if !frame.Kind.Known() {
		return result{err: fmt.Errorf("%w: sequence %d: %w: %s", ErrProtocol, frame.Sequence, wire.ErrUnknownKind, frame.Kind)}
	}
	if frame.Kind != requested {
		return result{err: fmt.Errorf("%w: sequence %d: %s response to %s request", ErrProtocol, frame.Sequence, frame.Kind, requested)}
	}
	response, err := wire.DecodeResponse(frame.Kind, frame.Body)
	if err != nil {
		c.logUndecodable(frame, err)
		return result{err: fmt.Errorf("%w: %w", ErrProtocol, err)}
	}
	if code := response.Status(); code != wire.CodeNone {
		return result{response: response, err: &wire.CoreError{Kind: requested, Code: code}}
	}
	return result{response: response}
}

// logUndecodable logs a response body that failed to decode, in CBOR
// diagnostic notation when it is well-formed and as hex otherwise.
func (c *Conn) logUndecodable(frame wire.Frame, err error) {
	attrs := []any{
		"kind", frame.Kind.String(),
		"sequence", frame.Sequence,
		"body_size", len(frame.Body),
		"error", err,
	}
	if diagnostic, diagErr := codec.Diagnose(frame.Body); diagErr == nil {
		attrs = append(attrs, "body", diagnostic)
	} else {
		attrs = append(attrs, "body_hex", hex.EncodeToString(frame.Body))
	}
	c.logger.Debug("undecodable databus response body", attrs...)
}

// terminate records why the connection died, wakes every pending
// request, then closes the socket. Only the first call has any effect.
// It runs on the reader, or on a caller whose write failed; in the
// latter case closing the socket makes the reader exit, and the reader
// closes Done.
func (c *Conn) terminate(cause error) {
	c.errMu.Lock()
	if c.err != nil {
		c.errMu.Unlock()
		return
	}
	failure := ErrClosed
	if !c.closing.Load() {
		failure = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	c.err = failure
	c.errMu.Unlock()

	woken := c.pending.failAll(failure)

	switch {
	case c.closing.Load():
		c.logger.Debug("databus connection closed", "woken_requests", woken)
	case netutil.IsExpectedCloseError(cause):
		c.logger.Info("databus kernel closed the connection", "woken_requests", woken)
	default:
		c.logger.Error("databus connection failed", "error", cause, "woken_requests", woken)
	}

	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
