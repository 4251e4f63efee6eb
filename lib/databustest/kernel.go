// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package databustest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/databus/lib/codec"
	"github.com/bureau-foundation/databus/lib/netutil"
	"github.com/bureau-foundation/databus/lib/shmem"
	"github.com/bureau-foundation/databus/lib/wire"
)

// Options configures a Kernel.
type Options struct {
	// Address is the TCP listen address. Empty selects 127.0.0.1:0.
	Address string

	// Store holds the segments. Required.
	Store shmem.Store

	Logger *slog.Logger
}

// Event records one request the kernel handled.
type Event struct {
	Kind       wire.Kind
	Sequence   uint32
	UserKey    string
	MemoryID   uint32
	Permission wire.Permission
	// Code is the status the kernel answered with.
	Code wire.ErrorCode
}

type block struct {
	userKey  string
	memoryID uint32
	size     uint32
	sideData []byte
	readers  int
	writer   bool
}

type leaseKey struct {
	memoryID   uint32
	permission wire.Permission
}

// session is one client connection.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	// leases counts grants not yet released, so they can be returned
	// when the connection drops.
	leases map[leaseKey]int
}

type heldResponse struct {
	session *session
	frame   []byte
}

// Kernel is a DataBus kernel emulator. Safe for concurrent use.
type Kernel struct {
	listener net.Listener
	store    shmem.Store
	logger   *slog.Logger

	mu       sync.Mutex
	byKey    map[string]*block
	byID     map[uint32]*block
	nextID   uint32
	sessions map[*session]struct{}
	events   []Event
	// changed is closed and replaced whenever an event is recorded.
	changed  chan struct{}
	failures map[wire.Kind][]wire.ErrorCode
	holding  map[wire.Kind]bool
	held     map[wire.Kind][]heldResponse
	closed   bool

	active sync.WaitGroup
}

// Listen starts a kernel accepting connections in the background.
func Listen(options Options) (*Kernel, error) {
	if options.Store == nil {
		return nil, errors.New("databustest: Options.Store is required")
	}
	if options.Address == "" {
		options.Address = "127.0.0.1:0"
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	listener, err := net.Listen("tcp", options.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", options.Address, err)
	}
	k := &Kernel{
		listener: listener,
		store:    options.Store,
		logger:   options.Logger,
		byKey:    make(map[string]*block),
		byID:     make(map[uint32]*block),
		nextID:   1,
		sessions: make(map[*session]struct{}),
		changed:  make(chan struct{}),
		failures: make(map[wire.Kind][]wire.ErrorCode),
		holding:  make(map[wire.Kind]bool),
		held:     make(map[wire.Kind][]heldResponse),
	}
	k.active.Add(1)
	go k.acceptLoop()
	k.logger.Info("databus test kernel listening", "address", listener.Addr().String())
	return k, nil
}

// Start runs a kernel for the duration of a test, backed by segment
// files in a temporary directory (or process memory where mmap is not
// available). It is closed by t.Cleanup.
func Start(t testing.TB) *Kernel {
	t.Helper()
	var store shmem.Store = shmem.NewMemory()
	if shmem.DirectorySupported {
		store = shmem.NewDirectory(t.TempDir(), shmem.DefaultPrefix)
	}
	k, err := Listen(Options{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("starting databus test kernel: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

// Addr returns the listening address.
func (k *Kernel) Addr() *net.TCPAddr {
	return k.listener.Addr().(*net.TCPAddr)
}

// Host returns the listening IP as a string.
func (k *Kernel) Host() string {
	return k.Addr().IP.String()
}

// Port returns the listening port.
func (k *Kernel) Port() int {
	return k.Addr().Port
}

// Store returns the segment store, which clients in the same process
// use as their accessor.
func (k *Kernel) Store() shmem.Store {
	return k.store
}

// Close stops accepting, drops every connection, removes all segments,
// and waits for connection handlers to exit.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	for s := range k.sessions {
		s.conn.Close()
	}
	k.mu.Unlock()

	err := k.listener.Close()
	k.active.Wait()

	k.mu.Lock()
	defer k.mu.Unlock()
	for id := range k.byID {
		k.store.Remove(id)
	}
	clear(k.byID)
	clear(k.byKey)
	return err
}

func (k *Kernel) acceptLoop() {
	defer k.active.Done()
	for {
		conn, err := k.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				k.logger.Error("accept failed", "error", err)
			}
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		s := &session{conn: conn, leases: make(map[leaseKey]int)}
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			conn.Close()
			return
		}
		k.sessions[s] = struct{}{}
		k.mu.Unlock()

		k.active.Add(1)
		go func() {
			defer k.active.Done()
			k.serve(s)
		}()
	}
}

// serve handles one connection until it closes.
func (k *Kernel) serve(s *session) {
	defer k.endSession(s)
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				k.logger.Warn("reading client frame", "error", err)
			}
			return
		}
		k.handle(s, frame)
	}
}

// endSession closes the connection and returns every lease the client
// still held, as the real kernel does for a departed process.
func (k *Kernel) endSession(s *session) {
	s.conn.Close()
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.sessions, s)
	for lease, count := range s.leases {
		b, ok := k.byID[lease.memoryID]
		if !ok {
			continue
		}
		for range count {
			b.releasePermission(lease.permission)
		}
	}
}

func (k *Kernel) handle(s *session, frame wire.Frame) {
	request, err := wire.DecodeRequest(frame.Kind, frame.Body)
	if err != nil {
		attrs := []any{
			"kind", frame.Kind.String(),
			"sequence", frame.Sequence,
			"error", err,
		}
		if diagnostic, diagErr := codec.Diagnose(frame.Body); diagErr == nil {
			attrs = append(attrs, "body", diagnostic)
		} else {
			attrs = append(attrs, "body_hex", hex.EncodeToString(frame.Body))
		}
		k.logger.Warn("rejecting undecodable request", attrs...)
		k.record(Event{Kind: frame.Kind, Sequence: frame.Sequence, Code: wire.CodeInvalidArgument})
		k.send(s, frame.Kind, frame.Sequence, wire.ErrorResponse{Code: wire.CodeInvalidArgument})
		return
	}

	event := describe(frame.Sequence, request)

	if code, injected := k.takeFailure(frame.Kind); injected {
		event.Code = code
		k.record(event)
		k.send(s, frame.Kind, frame.Sequence, wire.ErrorResponse{Code: code})
		return
	}

	response := k.process(s, request)
	event.Code = response.Status()
	k.record(event)
	k.send(s, frame.Kind, frame.Sequence, response)
}

func describe(sequence uint32, request wire.Message) Event {
	event := Event{Kind: request.Kind(), Sequence: sequence}
	switch r := request.(type) {
	case wire.ApplyMemoryRequest:
		event.UserKey, event.MemoryID = r.UserKey, r.MemoryID
	case wire.ReleaseMemoryRequest:
		event.UserKey, event.MemoryID = r.UserKey, r.MemoryID
	case wire.ApplyPermissionRequest:
		event.UserKey, event.MemoryID, event.Permission = r.UserKey, r.MemoryID, r.Permission
	case wire.ReleasePermissionRequest:
		event.UserKey, event.MemoryID, event.Permission = r.UserKey, r.MemoryID, r.Permission
	case wire.GetMetaDataRequest:
		event.UserKey = r.UserKey
	}
	return event
}

// process applies a request to kernel state and builds the response.
func (k *Kernel) process(s *session, request wire.Message) wire.Response {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch r := request.(type) {
	case wire.Hello:
		return wire.Hello{}

	case wire.ApplyMemoryRequest:
		if r.UserKey == "" || r.Size == 0 {
			return wire.ApplyMemoryResponse{Code: wire.CodeInvalidArgument}
		}
		if existing, ok := k.byKey[r.UserKey]; ok {
			if existing.size != r.Size {
				return wire.ApplyMemoryResponse{Code: wire.CodeMallocFailed}
			}
			return wire.ApplyMemoryResponse{MemoryID: existing.memoryID, MemorySize: existing.size}
		}
		id := k.nextID
		if err := k.store.Create(id, int(r.Size)); err != nil {
			k.logger.Warn("segment allocation failed", "user_key", r.UserKey, "size", r.Size, "error", err)
			if errors.Is(err, shmem.ErrPlatformNotSupported) {
				return wire.ApplyMemoryResponse{Code: wire.CodePlatformNotSupported}
			}
			return wire.ApplyMemoryResponse{Code: wire.CodeMallocFailed}
		}
		k.nextID++
		b := &block{userKey: r.UserKey, memoryID: id, size: r.Size}
		k.byKey[r.UserKey] = b
		k.byID[id] = b
		return wire.ApplyMemoryResponse{MemoryID: id, MemorySize: r.Size}

	case wire.ReleaseMemoryRequest:
		b := k.resolve(r.UserKey, r.MemoryID)
		if b == nil {
			return wire.ReleaseMemoryResponse{Code: wire.CodeKeyNotFound}
		}
		if k.logger.Enabled(context.Background(), slog.LevelDebug) {
			if digest, err := k.digestLocked(b); err == nil {
				k.logger.Debug("releasing block",
					"user_key", b.userKey,
					"memory_id", b.memoryID,
					"size", b.size,
					"content_blake3", hex.EncodeToString(digest[:]),
				)
			}
		}
		delete(k.byKey, b.userKey)
		delete(k.byID, b.memoryID)
		if err := k.store.Remove(b.memoryID); err != nil && !errors.Is(err, shmem.ErrNoSegment) {
			k.logger.Warn("removing segment", "memory_id", b.memoryID, "error", err)
		}
		return wire.ReleaseMemoryResponse{}

	case wire.ApplyPermissionRequest:
		if !r.Permission.Valid() {
			return wire.ApplyPermissionResponse{Code: wire.CodeInvalidArgument}
		}
		b := k.resolve(r.UserKey, r.MemoryID)
		if b == nil {
			return wire.ApplyPermissionResponse{Code: wire.CodeKeyNotFound}
		}
		if !b.applyPermission(r.Permission) {
			return wire.ApplyPermissionResponse{Code: wire.CodePermissionConflict}
		}
		s.leases[leaseKey{b.memoryID, r.Permission}]++
		if r.Permission == wire.PermissionWrite && r.HasSideData {
			b.sideData = append([]byte(nil), r.SideData...)
		}
		return wire.ApplyPermissionResponse{
			MemoryID:   b.memoryID,
			MemorySize: b.size,
			SideData:   b.sideData,
		}

	case wire.ReleasePermissionRequest:
		b := k.resolve(r.UserKey, r.MemoryID)
		if b == nil {
			return wire.ReleasePermissionResponse{Code: wire.CodeKeyNotFound}
		}
		lease := leaseKey{b.memoryID, r.Permission}
		if s.leases[lease] == 0 {
			return wire.ReleasePermissionResponse{Code: wire.CodeInvalidArgument}
		}
		if s.leases[lease]--; s.leases[lease] == 0 {
			delete(s.leases, lease)
		}
		b.releasePermission(r.Permission)
		return wire.ReleasePermissionResponse{}

	case wire.GetMetaDataRequest:
		b, ok := k.byKey[r.UserKey]
		if !ok {
			return wire.GetMetaDataResponse{Code: wire.CodeKeyNotFound}
		}
		return wire.GetMetaDataResponse{MemoryID: b.memoryID, MemorySize: b.size, SideData: b.sideData}
	}
	return wire.ErrorResponse{Code: wire.CodeInvalidArgument}
}

// resolve finds a block by memory id, falling back to user key.
func (k *Kernel) resolve(userKey string, memoryID uint32) *block {
	if memoryID != 0 {
		return k.byID[memoryID]
	}
	return k.byKey[userKey]
}

// applyPermission admits many readers or a single writer.
func (b *block) applyPermission(permission wire.Permission) bool {
	switch permission {
	case wire.PermissionRead:
		if b.writer {
			return false
		}
		b.readers++
	case wire.PermissionWrite:
		if b.writer || b.readers > 0 {
			return false
		}
		b.writer = true
	}
	return true
}

func (b *block) releasePermission(permission wire.Permission) {
	switch permission {
	case wire.PermissionRead:
		if b.readers > 0 {
			b.readers--
		}
	case wire.PermissionWrite:
		b.writer = false
	}
}

// send writes a response frame, or parks it when its kind is held.
func (k *Kernel) send(s *session, kind wire.Kind, sequence uint32, response wire.Message) {
	body, err := wire.EncodeBody(response)
	if err != nil {
		k.logger.Error("encoding response", "kind", kind.String(), "error", err)
		return
	}
	responseKind := kind
	if response.Kind() == wire.KindError {
		responseKind = wire.KindError
	}
	frame, err := wire.AppendFrame(nil, responseKind, sequence, body)
	if err != nil {
		k.logger.Error("framing response", "kind", kind.String(), "error", err)
		return
	}

	k.mu.Lock()
	if k.holding[kind] {
		k.held[kind] = append(k.held[kind], heldResponse{session: s, frame: frame})
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()
	s.write(frame, k.logger)
}

func (s *session) write(frame []byte, logger *slog.Logger) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil && !netutil.IsExpectedCloseError(err) {
		logger.Debug("writing response", "error", err)
	}
}

func (k *Kernel) record(event Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.events = append(k.events, event)
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Kernel) takeFailure(kind wire.Kind) (wire.ErrorCode, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	queue := k.failures[kind]
	if len(queue) == 0 {
		return wire.CodeNone, false
	}
	k.failures[kind] = queue[1:]
	return queue[0], true
}

// FailNext makes the next request of kind fail with an Error frame
// carrying code, without touching kernel state. Calls queue.
func (k *Kernel) FailNext(kind wire.Kind, code wire.ErrorCode) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failures[kind] = append(k.failures[kind], code)
}

// Hold parks responses to requests of kind until Release. The requests
// are still processed and recorded when they arrive.
func (k *Kernel) Hold(kind wire.Kind) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.holding[kind] = true
}

// Release stops holding kind and sends every parked response, in
// arrival order. It returns how many were sent.
func (k *Kernel) Release(kind wire.Kind) int {
	k.mu.Lock()
	delete(k.holding, kind)
	parked := k.held[kind]
	delete(k.held, kind)
	k.mu.Unlock()
	for _, h := range parked {
		h.session.write(h.frame, k.logger)
	}
	return len(parked)
}

// DropConnections closes every client connection without a response.
// Held responses for dropped connections are discarded.
func (k *Kernel) DropConnections() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	for s := range k.sessions {
		s.conn.Close()
	}
	clear(k.held)
	return len(k.sessions)
}

// Events returns a copy of every request handled so far.
func (k *Kernel) Events() []Event {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Event(nil), k.events...)
}

// Count returns how many requests of kind have been handled.
func (k *Kernel) Count(kind wire.Kind) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.countLocked(kind)
}

func (k *Kernel) countLocked(kind wire.Kind) int {
	count := 0
	for _, event := range k.events {
		if event.Kind == kind {
			count++
		}
	}
	return count
}

// WaitFor blocks until at least count requests of kind have been
// handled, or ctx is done.
func (k *Kernel) WaitFor(ctx context.Context, kind wire.Kind, count int) error {
	for {
		k.mu.Lock()
		have := k.countLocked(kind)
		changed := k.changed
		k.mu.Unlock()
		if have >= count {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d %s requests (have %d): %w", count, kind, have, ctx.Err())
		}
	}
}

// Lookup reports the kernel's view of a block: its memory id, size, and
// side data.
func (k *Kernel) Lookup(userKey string) (memoryID, size uint32, sideData []byte, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.byKey[userKey]
	if !ok {
		return 0, 0, nil, false
	}
	return b.memoryID, b.size, append([]byte(nil), b.sideData...), true
}

// Leased reports whether any lease on userKey is currently held.
func (k *Kernel) Leased(userKey string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.byKey[userKey]
	return ok && (b.writer || b.readers > 0)
}

// Digest returns the BLAKE3-256 hash of a block's current contents, so
// tests can check what a client wrote without going through a lease.
func (k *Kernel) Digest(userKey string) ([32]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.byKey[userKey]
	if !ok {
		return [32]byte{}, fmt.Errorf("no block for user key %q", userKey)
	}
	return k.digestLocked(b)
}

func (k *Kernel) digestLocked(b *block) ([32]byte, error) {
	contents, err := k.store.Read(b.memoryID, int(b.size), 0)
	if err != nil {
		return [32]byte{}, fmt.Errorf("reading segment %d: %w", b.memoryID, err)
	}
	return blake3.Sum256(contents), nil
}
