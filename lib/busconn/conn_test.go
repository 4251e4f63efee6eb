// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package busconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/databus/lib/clock"
	"github.com/bureau-foundation/databus/lib/testutil"
	"github.com/bureau-foundation/databus/lib/wire"
)

const testWait = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// kernelPeer is the far end of a net.Pipe, scripted by each test.
type kernelPeer struct {
	t    *testing.T
	conn net.Conn
}

func newPipeConn(t *testing.T, options Options) (*Conn, *kernelPeer) {
	t.Helper()
	client, server := net.Pipe()
	if options.Logger == nil {
		options.Logger = discardLogger()
	}
	conn := NewConn(client, options)
	t.Cleanup(func() {
		server.Close()
		conn.Close()
	})
	return conn, &kernelPeer{t: t, conn: server}
}

// readRequest reads one frame and decodes its body.
func (p *kernelPeer) readRequest() (wire.Frame, wire.Message) {
	p.t.Helper()
	frame, err := wire.ReadFrame(p.conn)
	if err != nil {
		p.t.Fatalf("peer ReadFrame: %v", err)
	}
	message, err := wire.DecodeRequest(frame.Kind, frame.Body)
	if err != nil {
		p.t.Fatalf("peer DecodeRequest: %v", err)
	}
	return frame, message
}

func (p *kernelPeer) encode(sequence uint32, response wire.Message) []byte {
	p.t.Helper()
	body, err := wire.EncodeBody(response)
	if err != nil {
		p.t.Fatalf("peer EncodeBody: %v", err)
	}
	frame, err := wire.AppendFrame(nil, response.Kind(), sequence, body)
	if err != nil {
		p.t.Fatalf("peer AppendFrame: %v", err)
	}
	return frame
}

func (p *kernelPeer) write(data []byte) {
	p.t.Helper()
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("peer Write: %v", err)
	}
}

func (p *kernelPeer) respond(sequence uint32, response wire.Message) {
	p.t.Helper()
	p.write(p.encode(sequence, response))
}

type callResult struct {
	response wire.Response
	err      error
}

func callAsync(conn *Conn, request wire.Message) <-chan callResult {
	results := make(chan callResult, 1)
	go func() {
		response, err := conn.Call(context.Background(), request)
		results <- callResult{response, err}
	}()
	return results
}

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	results := callAsync(conn, wire.ApplyMemoryRequest{UserKey: "k1", Size: 128})

	frame, message := peer.readRequest()
	request, ok := message.(wire.ApplyMemoryRequest)
	if !ok || request.UserKey != "k1" || request.Size != 128 {
		t.Fatalf("peer got %#v", message)
	}
	if frame.Sequence != 1 {
		t.Errorf("first request sequence = %d, want 1", frame.Sequence)
	}
	peer.respond(frame.Sequence, wire.ApplyMemoryResponse{MemoryID: 9, MemorySize: 128})

	outcome := testutil.RequireReceive(t, results, testWait, "call result")
	if outcome.err != nil {
		t.Fatalf("Call: %v", outcome.err)
	}
	grant := outcome.response.(wire.ApplyMemoryResponse)
	if grant.MemoryID != 9 || grant.MemorySize != 128 {
		t.Errorf("response = %+v", grant)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d after response, want 0", conn.Pending())
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	const count = 8
	results := make([]<-chan callResult, count)
	for index := range count {
		results[index] = callAsync(conn, wire.ApplyMemoryRequest{UserKey: "k", Size: uint32(100 + index)})
	}

	type received struct {
		sequence uint32
		size     uint32
	}
	var requests []received
	for range count {
		frame, message := peer.readRequest()
		requests = append(requests, received{frame.Sequence, message.(wire.ApplyMemoryRequest).Size})
	}

	// Answer in reverse arrival order, echoing each request's size as
	// the memory id so every caller can check it got its own answer.
	for index := len(requests) - 1; index >= 0; index-- {
		peer.respond(requests[index].sequence, wire.ApplyMemoryResponse{
			MemoryID:   requests[index].size,
			MemorySize: requests[index].size,
		})
	}

	for index := range count {
		outcome := testutil.RequireReceive(t, results[index], testWait, "call %d", index)
		if outcome.err != nil {
			t.Fatalf("call %d: %v", index, outcome.err)
		}
		if got := outcome.response.(wire.ApplyMemoryResponse).MemoryID; got != uint32(100+index) {
			t.Errorf("call %d got response for size %d", index, got)
		}
	}
}

func TestFragmentedAndCoalescedResponses(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	first := callAsync(conn, wire.GetMetaDataRequest{UserKey: "a"})
	firstFrame, _ := peer.readRequest()
	second := callAsync(conn, wire.GetMetaDataRequest{UserKey: "b"})
	secondFrame, _ := peer.readRequest()
	third := callAsync(conn, wire.GetMetaDataRequest{UserKey: "c"})
	thirdFrame, _ := peer.readRequest()

	// The first response dribbles in one byte per write.
	for _, b := range peer.encode(firstFrame.Sequence, wire.GetMetaDataResponse{MemoryID: 1, MemorySize: 10, SideData: []byte("one")}) {
		peer.write([]byte{b})
	}
	// The second and third arrive in one write.
	coalesced := append(
		peer.encode(secondFrame.Sequence, wire.GetMetaDataResponse{MemoryID: 2, MemorySize: 20}),
		peer.encode(thirdFrame.Sequence, wire.GetMetaDataResponse{MemoryID: 3, MemorySize: 30})...,
	)
	peer.write(coalesced)

	for index, results := range []<-chan callResult{first, second, third} {
		outcome := testutil.RequireReceive(t, results, testWait, "call %d", index)
		if outcome.err != nil {
			t.Fatalf("call %d: %v", index, outcome.err)
		}
		metadata := outcome.response.(wire.GetMetaDataResponse)
		if metadata.MemoryID != uint32(index+1) {
			t.Errorf("call %d memory id = %d", index, metadata.MemoryID)
		}
	}
}

func TestErrorFrameResolvesWithCoreError(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	results := callAsync(conn, wire.ApplyPermissionRequest{UserKey: "k", Permission: wire.PermissionRead})
	frame, _ := peer.readRequest()
	peer.respond(frame.Sequence, wire.ErrorResponse{Code: wire.CodePermissionConflict})

	outcome := testutil.RequireReceive(t, results, testWait, "call result")
	var coreErr *wire.CoreError
	if !errors.As(outcome.err, &coreErr) {
		t.Fatalf("err = %v, want *wire.CoreError", outcome.err)
	}
	if coreErr.Code != wire.CodePermissionConflict || coreErr.Kind != wire.KindApplyPermission {
		t.Errorf("CoreError = %+v", coreErr)
	}
}

func TestNonNoneStatusIsCoreError(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	results := callAsync(conn, wire.GetMetaDataRequest{UserKey: "missing"})
	frame, _ := peer.readRequest()
	peer.respond(frame.Sequence, wire.GetMetaDataResponse{Code: wire.CodeKeyNotFound})

	outcome := testutil.RequireReceive(t, results, testWait, "call result")
	if !errors.Is(outcome.err, &wire.CoreError{Code: wire.CodeKeyNotFound}) {
		t.Fatalf("err = %v, want KeyNotFound", outcome.err)
	}
	if outcome.response == nil || outcome.response.Status() != wire.CodeKeyNotFound {
		t.Errorf("response = %#v, want the decoded failure", outcome.response)
	}
}

func TestUnmatchedFrameDiscarded(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	results := callAsync(conn, wire.Hello{})
	frame, _ := peer.readRequest()
	peer.respond(frame.Sequence+1000, wire.Hello{})
	peer.respond(frame.Sequence, wire.Hello{})
	// A duplicate of the real response has no pending entry any more.
	peer.respond(frame.Sequence, wire.Hello{})

	outcome := testutil.RequireReceive(t, results, testWait, "call result")
	if outcome.err != nil {
		t.Fatalf("Call: %v", outcome.err)
	}

	// The reader survived both stray frames.
	followUp := callAsync(conn, wire.Hello{})
	frame, _ = peer.readRequest()
	peer.respond(frame.Sequence, wire.Hello{})
	if outcome := testutil.RequireReceive(t, followUp, testWait, "follow-up"); outcome.err != nil {
		t.Fatalf("follow-up Call: %v", outcome.err)
	}
}

func TestUnknownKindIsProtocolErrorForThatRequest(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	results := callAsync(conn, wire.GetMetaDataRequest{UserKey: "k"})
	frame, _ := peer.readRequest()
	bogus := wire.EncodeHeader(wire.Kind(0x4242), frame.Sequence, 0)
	peer.write(bogus[:])

	outcome := testutil.RequireReceive(t, results, testWait, "call result")
	if !errors.Is(outcome.err, ErrProtocol) || !errors.Is(outcome.err, wire.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrProtocol wrapping ErrUnknownKind", outcome.err)
	}

	followUp := callAsync(conn, wire.Hello{})
	frame, _ = peer.readRequest()
	peer.respond(frame.Sequence, wire.Hello{})
	if outcome := testutil.RequireReceive(t, followUp, testWait, "follow-up"); outcome.err != nil {
		t.Fatalf("connection should survive a per-frame protocol error: %v", outcome.err)
	}
}

func TestMismatchedKindIsProtocolError(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	results := callAsync(conn, wire.GetMetaDataRequest{UserKey: "k"})
	frame, _ := peer.readRequest()
	peer.respond(frame.Sequence, wire.ApplyMemoryResponse{MemoryID: 1})

	outcome := testutil.RequireReceive(t, results, testWait, "call result")
	if !errors.Is(outcome.err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", outcome.err)
	}
}

// lockedBuffer collects log output written from the reader goroutine.
type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func TestUndecodableBodyIsLoggedAndFailsThatRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		kind    wire.Kind
		body    []byte
		wantLog string
	}{
		{
			// {2: -1}: well-formed, but a negative memory id.
			name:    "wrong field type",
			kind:    wire.KindGetMetaData,
			body:    []byte{0xa1, 0x02, 0x20},
			wantLog: `body="{2: -1}"`,
		},
		{
			name:    "truncated error frame",
			kind:    wire.KindError,
			body:    []byte{0xa1},
			wantLog: "body_hex=a1",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var logs lockedBuffer
			logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
			conn, peer := newPipeConn(t, Options{Logger: logger})

			results := callAsync(conn, wire.GetMetaDataRequest{UserKey: "k"})
			frame, _ := peer.readRequest()
			malformed, err := wire.AppendFrame(nil, test.kind, frame.Sequence, test.body)
			if err != nil {
				t.Fatalf("AppendFrame: %v", err)
			}
			peer.write(malformed)

			outcome := testutil.RequireReceive(t, results, testWait, "call result")
			if !errors.Is(outcome.err, ErrProtocol) {
				t.Fatalf("err = %v, want ErrProtocol", outcome.err)
			}
			output := logs.String()
			if !strings.Contains(output, "undecodable databus response body") {
				t.Errorf("no undecodable-body log entry in:\n%s", output)
			}
			if !strings.Contains(output, test.wantLog) {
				t.Errorf("log does not contain %s:\n%s", test.wantLog, output)
			}

			followUp := callAsync(conn, wire.Hello{})
			frame, _ = peer.readRequest()
			peer.respond(frame.Sequence, wire.Hello{})
			if outcome := testutil.RequireReceive(t, followUp, testWait, "follow-up"); outcome.err != nil {
				t.Fatalf("connection should survive an undecodable body: %v", outcome.err)
			}
		})
	}
}

func TestTimeoutRetainsSequenceUntilLateResponse(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	conn, peer := newPipeConn(t, Options{Clock: fake, RequestTimeout: 3 * time.Second})

	results := callAsync(conn, wire.GetMetaDataRequest{UserKey: "slow"})
	slowFrame, _ := peer.readRequest()

	fake.WaitForTimers(1)
	fake.Advance(3 * time.Second)

	outcome := testutil.RequireReceive(t, results, testWait, "timed-out call")
	if !errors.Is(outcome.err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", outcome.err)
	}
	if conn.Pending() != 1 {
		t.Fatalf("Pending() = %d after timeout, want 1 (slot retained)", conn.Pending())
	}

	// The late response retires the slot and reaches nobody.
	peer.respond(slowFrame.Sequence, wire.GetMetaDataResponse{MemoryID: 1})

	// Responses are dispatched in stream order, so once this call
	// completes the late frame has been processed.
	followUp := callAsync(conn, wire.Hello{})
	frame, _ := peer.readRequest()
	if frame.Sequence == slowFrame.Sequence {
		t.Fatal("timed-out sequence was reused")
	}
	peer.respond(frame.Sequence, wire.Hello{})
	if outcome := testutil.RequireReceive(t, followUp, testWait, "follow-up"); outcome.err != nil {
		t.Fatalf("follow-up: %v", outcome.err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d after late response, want 0", conn.Pending())
	}
}

func TestContextCancelAbandonsRequest(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, wire.Hello{})
		results <- err
	}()
	peer.readRequest()
	cancel()

	err := testutil.RequireReceive(t, results, testWait, "cancelled call")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if conn.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", conn.Pending())
	}
}

func TestConnectionLossWakesAllWaiters(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{RequestTimeout: -1})

	const count = 10
	results := make([]<-chan callResult, count)
	for index := range count {
		results[index] = callAsync(conn, wire.GetMetaDataRequest{UserKey: "k"})
	}
	for range count {
		peer.readRequest()
	}
	if conn.Pending() != count {
		t.Fatalf("Pending() = %d, want %d", conn.Pending(), count)
	}

	peer.conn.Close()

	for index := range count {
		outcome := testutil.RequireReceive(t, results[index], testWait, "waiter %d", index)
		if !errors.Is(outcome.err, ErrConnectionLost) {
			t.Errorf("waiter %d err = %v, want ErrConnectionLost", index, outcome.err)
		}
	}
	testutil.RequireClosed(t, conn.Done(), testWait, "reader exit")
	if !errors.Is(conn.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", conn.Err())
	}

	if _, err := conn.Call(context.Background(), wire.Hello{}); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Call after loss = %v, want ErrConnectionLost", err)
	}
}

func TestCloseFailsPendingWithErrClosed(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{RequestTimeout: -1})

	results := callAsync(conn, wire.Hello{})
	peer.readRequest()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	outcome := testutil.RequireReceive(t, results, testWait, "pending call")
	if !errors.Is(outcome.err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", outcome.err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := conn.Call(context.Background(), wire.Hello{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close = %v, want ErrClosed", err)
	}
}

func TestOversizedFrameKillsConnection(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{RequestTimeout: -1})

	results := callAsync(conn, wire.Hello{})
	frame, _ := peer.readRequest()
	header := wire.EncodeHeader(wire.KindHello, frame.Sequence, wire.MaxBodySize+1)
	peer.write(header[:])

	outcome := testutil.RequireReceive(t, results, testWait, "pending call")
	if !errors.Is(outcome.err, ErrConnectionLost) || !errors.Is(outcome.err, wire.ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrConnectionLost wrapping ErrFrameTooLarge", outcome.err)
	}
	testutil.RequireClosed(t, conn.Done(), testWait, "reader exit")
}

func TestConcurrentCallsDoNotInterleaveFrames(t *testing.T) {
	t.Parallel()
	conn, peer := newPipeConn(t, Options{})

	const count = 32
	var group sync.WaitGroup
	errs := make(chan error, count)
	for index := range count {
		group.Add(1)
		go func() {
			defer group.Done()
			sideData := make([]byte, 512)
			for position := range sideData {
				sideData[position] = byte(index)
			}
			_, err := conn.Call(context.Background(), wire.ApplyPermissionRequest{
				UserKey: "k", Permission: wire.PermissionWrite, HasSideData: true, SideData: sideData,
			})
			errs <- err
		}()
	}

	for range count {
		frame, message := peer.readRequest()
		request := message.(wire.ApplyPermissionRequest)
		for _, b := range request.SideData {
			if b != request.SideData[0] {
				t.Fatalf("request %d side data mixed bytes from different frames", frame.Sequence)
			}
		}
		peer.respond(frame.Sequence, wire.ApplyPermissionResponse{MemoryID: 1, MemorySize: 8})
	}
	group.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Call: %v", err)
		}
	}
}

func TestCallRejectsOversizedSideDataLocally(t *testing.T) {
	t.Parallel()
	conn, _ := newPipeConn(t, Options{})
	_, err := conn.Call(context.Background(), wire.ApplyPermissionRequest{
		UserKey: "k", Permission: wire.PermissionWrite, HasSideData: true, SideData: make([]byte, wire.MaxSideData+1),
	})
	if !errors.Is(err, wire.ErrSideDataTooLarge) {
		t.Fatalf("err = %v, want ErrSideDataTooLarge", err)
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", conn.Pending())
	}
}
