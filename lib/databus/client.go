// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package databus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bureau-foundation/databus/lib/busconn"
	"github.com/bureau-foundation/databus/lib/clock"
	"github.com/bureau-foundation/databus/lib/config"
	"github.com/bureau-foundation/databus/lib/shmem"
	"github.com/bureau-foundation/databus/lib/wire"
)

// DefaultReleaseTimeout bounds a permission release when
// Options.ReleaseTimeout is zero.
const DefaultReleaseTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	// Accessor performs the raw reads and writes inside a lease.
	// Default: shmem.Directory on /dev/shm with the databus- prefix.
	Accessor shmem.Accessor

	// Connection configures dialing and request timeouts. Its Logger
	// and Clock default to the client's.
	Connection busconn.Options

	// ReleaseTimeout bounds each ReleasePermission.
	ReleaseTimeout time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

// ReadRequest reads from a block. Size zero reads from Offset to the
// end of the block.
type ReadRequest struct {
	UserKey string
	Size    int
	Offset  int
	// IsOperatingUserData also returns the block's side data.
	IsOperatingUserData bool
}

// ReadResponse is the result of ReadOnce. SideData is nil unless it was
// requested.
type ReadResponse struct {
	Contents []byte
	SideData []byte
}

// WriteRequest writes Contents at Offset. With IsOperatingUserData,
// SideData is stored with the write grant; otherwise it is ignored.
type WriteRequest struct {
	UserKey             string
	Contents            []byte
	Offset              int
	IsOperatingUserData bool
	SideData            []byte
}

// MetaData is the kernel's description of a block.
type MetaData struct {
	MemoryID uint32
	Size     uint32
	SideData []byte
}

// Client is a DataBus client. Methods are safe for concurrent use; all
// of them share one connection.
type Client struct {
	accessor       shmem.Accessor
	connOptions    busconn.Options
	releaseTimeout time.Duration
	logger         *slog.Logger

	registry *Registry

	mu   sync.RWMutex
	conn *busconn.Conn
}

// New returns an unconnected client.
func New(options Options) *Client {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Accessor == nil {
		options.Accessor = shmem.NewDirectory("", "")
	}
	if options.ReleaseTimeout <= 0 {
		options.ReleaseTimeout = DefaultReleaseTimeout
	}
	if options.Connection.Logger == nil {
		options.Connection.Logger = options.Logger
	}
	if options.Connection.Clock == nil {
		options.Connection.Clock = options.Clock
	}
	return &Client{
		accessor:       options.Accessor,
		connOptions:    options.Connection,
		releaseTimeout: options.ReleaseTimeout,
		logger:         options.Logger,
		registry:       newRegistry(),
	}
}

// NewFromConfig returns an unconnected client configured from cfg. The
// kernel address is in cfg.Kernel; pass it to Open.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	timeouts, err := cfg.Client.Timeouts()
	if err != nil {
		return nil, err
	}
	return New(Options{
		Accessor: shmem.NewDirectory(cfg.Memory.Directory, cfg.Memory.Prefix),
		Connection: busconn.Options{
			RequestTimeout:   timeouts.Request,
			DialTimeout:      timeouts.Dial,
			DialAttempts:     cfg.Client.DialAttempts,
			MaxRetryInterval: timeouts.MaxRetryInterval,
			Handshake:        cfg.Client.Handshake,
		},
		ReleaseTimeout: timeouts.Release,
		Logger:         logger,
	}), nil
}

// Open connects to the kernel at host:port. Any previous connection is
// closed first, and the registry is reset either way since memory ids
// from an earlier connection are meaningless. A failed Open leaves the
// client unconnected.
func (c *Client) Open(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.registry.Reset()

	conn, err := busconn.Dial(ctx, host, port, c.connOptions)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	c.conn = conn
	c.logger.Info("connected to databus kernel", "address", conn.RemoteAddr().String())
	return nil
}

// Close tears down the connection and resets the registry. Closing an
// unconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.Reset()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected reports whether Open succeeded and Close has not been
// called since. It does not probe the socket; use Ping for that.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Block returns the cached registry entry for userKey.
func (c *Client) Block(userKey string) (Block, bool) {
	return c.registry.Lookup(userKey)
}

func (c *Client) connection() (*busconn.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// preflight runs the checks every keyed operation needs before it may
// touch the network.
func (c *Client) preflight(userKey string) (*busconn.Conn, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	if userKey == "" {
		return nil, &ValidationError{Field: "user_key", Reason: "must not be empty"}
	}
	return conn, nil
}

// Ping round-trips a Hello.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if _, err := conn.Call(ctx, wire.Hello{}); err != nil {
		return fmt.Errorf("pinging databus kernel: %w", err)
	}
	return nil
}

// SharedMalloc asks the kernel for a block of size bytes under userKey
// and caches its memory id.
func (c *Client) SharedMalloc(ctx context.Context, userKey string, size int) error {
	conn, err := c.preflight(userKey)
	if err != nil {
		return err
	}
	if size <= 0 || uint64(size) > math.MaxUint32 {
		return &ValidationError{Field: "size", Reason: fmt.Sprintf("%d is outside 1..%d", size, uint32(math.MaxUint32))}
	}

	response, err := conn.Call(ctx, wire.ApplyMemoryRequest{UserKey: userKey, Size: uint32(size)})
	if err != nil {
		return fmt.Errorf("allocating %d bytes for %q: %w", size, userKey, err)
	}
	applied, ok := response.(wire.ApplyMemoryResponse)
	if !ok || applied.MemoryID == 0 {
		return fmt.Errorf("allocating %q: %w: kernel returned no memory id", userKey, busconn.ErrProtocol)
	}

	memorySize := applied.MemorySize
	if memorySize == 0 {
		memorySize = uint32(size)
	}
	c.registry.Put(Block{UserKey: userKey, MemoryID: applied.MemoryID, Size: memorySize})
	c.logger.Debug("allocated databus block",
		"user_key", userKey,
		"memory_id", applied.MemoryID,
		"size", memorySize,
	)
	return nil
}

// SharedFree releases the block. The registry entry is removed whether
// or not the kernel accepted the release; the kernel's answer is still
// returned.
func (c *Client) SharedFree(ctx context.Context, userKey string) error {
	conn, err := c.preflight(userKey)
	if err != nil {
		return err
	}

	request := wire.ReleaseMemoryRequest{UserKey: userKey}
	if block, ok := c.registry.Lookup(userKey); ok {
		request.MemoryID = block.MemoryID
	}
	defer c.registry.Remove(userKey)

	if _, err := conn.Call(ctx, request); err != nil {
		return fmt.Errorf("freeing %q: %w", userKey, err)
	}
	c.logger.Debug("freed databus block", "user_key", userKey, "memory_id", request.MemoryID)
	return nil
}

// ReadOnce copies bytes out of a block under a read lease. A range
// extending past the block is logged and yields an empty response with
// a nil error; the memory is not touched.
func (c *Client) ReadOnce(ctx context.Context, request ReadRequest) (ReadResponse, error) {
	if _, err := c.preflight(request.UserKey); err != nil {
		return ReadResponse{}, err
	}
	if request.Size < 0 {
		return ReadResponse{}, &ValidationError{Field: "size", Reason: fmt.Sprintf("%d is negative", request.Size)}
	}
	if request.Offset < 0 {
		return ReadResponse{}, &ValidationError{Field: "offset", Reason: fmt.Sprintf("%d is negative", request.Offset)}
	}

	var response ReadResponse
	err := c.WithPermission(ctx, PermissionRequest{
		UserKey:    request.UserKey,
		Permission: wire.PermissionRead,
	}, func(lease Lease) error {
		size := request.Size
		if size == 0 {
			size = int(lease.Size) - request.Offset
		}
		if !inBounds(request.Offset, size, lease.Size) {
			c.logger.Warn("databus read outside block",
				"user_key", request.UserKey,
				"memory_id", lease.MemoryID,
				"offset", request.Offset,
				"size", size,
				"block_size", lease.Size,
			)
			return nil
		}
		contents, err := c.accessor.Read(lease.MemoryID, size, request.Offset)
		if err != nil {
			return &IOError{Op: "read", UserKey: request.UserKey, MemoryID: lease.MemoryID, Err: err}
		}
		response.Contents = contents
		if request.IsOperatingUserData {
			response.SideData = lease.SideData
		}
		return nil
	})
	if err != nil {
		return ReadResponse{}, err
	}
	return response, nil
}

// WriteOnce copies Contents into a block under a write lease and
// reports whether any bytes were written. A range extending past the
// block is logged and yields false with a nil error; the memory is not
// touched.
func (c *Client) WriteOnce(ctx context.Context, request WriteRequest) (bool, error) {
	if _, err := c.preflight(request.UserKey); err != nil {
		return false, err
	}
	if request.Offset < 0 {
		return false, &ValidationError{Field: "offset", Reason: fmt.Sprintf("%d is negative", request.Offset)}
	}

	permission := PermissionRequest{
		UserKey:    request.UserKey,
		Permission: wire.PermissionWrite,
	}
	if request.IsOperatingUserData {
		permission.HasSideData = true
		permission.SideData = request.SideData
	}

	var written bool
	err := c.WithPermission(ctx, permission, func(lease Lease) error {
		if !inBounds(request.Offset, len(request.Contents), lease.Size) {
			c.logger.Warn("databus write outside block",
				"user_key", request.UserKey,
				"memory_id", lease.MemoryID,
				"offset", request.Offset,
				"size", len(request.Contents),
				"block_size", lease.Size,
			)
			return nil
		}
		n, err := c.accessor.Write(lease.MemoryID, request.Contents, request.Offset)
		if err != nil {
			return &IOError{Op: "write", UserKey: request.UserKey, MemoryID: lease.MemoryID, Err: err}
		}
		written = n != 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// GetMetaData asks the kernel for a block's id, size, and side data,
// and refreshes the registry with the answer. A KeyNotFound answer
// drops the registry entry.
func (c *Client) GetMetaData(ctx context.Context, userKey string) (MetaData, error) {
	conn, err := c.preflight(userKey)
	if err != nil {
		return MetaData{}, err
	}

	response, err := conn.Call(ctx, wire.GetMetaDataRequest{UserKey: userKey})
	if err != nil {
		if errors.Is(err, &wire.CoreError{Code: wire.CodeKeyNotFound}) {
			c.registry.Remove(userKey)
		}
		return MetaData{}, fmt.Errorf("metadata for %q: %w", userKey, err)
	}
	meta, ok := response.(wire.GetMetaDataResponse)
	if !ok {
		return MetaData{}, fmt.Errorf("metadata for %q: %w: unexpected %T", userKey, busconn.ErrProtocol, response)
	}
	c.registry.Put(Block{UserKey: userKey, MemoryID: meta.MemoryID, Size: meta.MemorySize})
	return MetaData{MemoryID: meta.MemoryID, Size: meta.MemorySize, SideData: meta.SideData}, nil
}

// inBounds reports whether length bytes at offset fit in a block of
// blockSize bytes.
func inBounds(offset, length int, blockSize uint32) bool {
	if offset < 0 || length < 0 {
		return false
	}
	return uint64(offset)+uint64(length) <= uint64(blockSize)
}
