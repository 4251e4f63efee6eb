// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package databus

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/databus/lib/busconn"
	"github.com/bureau-foundation/databus/lib/wire"
)

// PermissionRequest selects a block and the access wanted. MemoryID
// takes precedence over UserKey; when only UserKey is set and the
// registry knows it, the cached memory id is sent instead.
type PermissionRequest struct {
	UserKey    string
	MemoryID   uint32
	Permission wire.Permission

	// HasSideData stores SideData with a write grant.
	HasSideData bool
	SideData    []byte
}

// Lease is a granted permission, valid only inside the WithPermission
// callback.
type Lease struct {
	MemoryID   uint32
	Size       uint32
	SideData   []byte
	Permission wire.Permission
}

// WithPermission acquires a lease, calls fn with it, and releases the
// lease when fn returns or panics. The release is sent exactly once for
// every granted lease, on a context detached from ctx's cancellation
// and bounded by the release timeout. When fn succeeds, a failed
// release is returned; otherwise fn's error wins.
//
// When the apply itself ends without an answer from the kernel (timeout,
// cancellation, protocol error) the grant may still have happened, so a
// release is sent anyway. When the kernel rejects the apply, nothing is
// released.
func (c *Client) WithPermission(ctx context.Context, request PermissionRequest, fn func(Lease) error) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return c.withPermission(ctx, conn, request, fn)
}

// requester sends one request and waits for its response.
// *busconn.Conn implements it.
type requester interface {
	Call(ctx context.Context, request wire.Message) (wire.Response, error)
}

func (c *Client) withPermission(ctx context.Context, conn requester, request PermissionRequest, fn func(Lease) error) (err error) {
	if request.UserKey == "" && request.MemoryID == 0 {
		return &ValidationError{Field: "user_key", Reason: "empty user key and no memory id"}
	}
	if !request.Permission.Valid() {
		return &ValidationError{Field: "permission", Reason: fmt.Sprintf("unknown permission %d", request.Permission)}
	}
	if len(request.SideData) > wire.MaxSideData {
		return &ValidationError{
			Field:  "side_data",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(request.SideData), wire.MaxSideData),
		}
	}

	memoryID := request.MemoryID
	if memoryID == 0 {
		if block, ok := c.registry.Lookup(request.UserKey); ok {
			memoryID = block.MemoryID
		}
	}

	apply := wire.ApplyPermissionRequest{
		UserKey:     request.UserKey,
		MemoryID:    memoryID,
		Permission:  request.Permission,
		HasSideData: request.HasSideData,
		SideData:    request.SideData,
	}
	response, err := conn.Call(ctx, apply)
	if err != nil {
		var coreErr *wire.CoreError
		if !errors.As(err, &coreErr) {
			c.release(ctx, conn, request.UserKey, memoryID, request.Permission)
		} else if coreErr.Code == wire.CodeKeyNotFound && request.UserKey != "" {
			c.registry.Remove(request.UserKey)
		}
		return fmt.Errorf("applying %s permission for %s: %w", request.Permission, describeSelector(request.UserKey, memoryID), err)
	}

	// Once the kernel has answered the apply, a release is owed.
	granted, ok := response.(wire.ApplyPermissionResponse)
	releaseID := granted.MemoryID
	if releaseID == 0 {
		releaseID = memoryID
	}
	defer func() {
		releaseErr := c.release(ctx, conn, request.UserKey, releaseID, request.Permission)
		if err == nil && releaseErr != nil {
			err = releaseErr
		}
	}()
	if !ok {
		return fmt.Errorf("%w: unexpected %T for ApplyPermission", busconn.ErrProtocol, response)
	}

	lease := Lease{
		MemoryID:   granted.MemoryID,
		Size:       granted.MemorySize,
		SideData:   granted.SideData,
		Permission: request.Permission,
	}
	if request.UserKey != "" && granted.MemoryID != 0 {
		c.registry.Put(Block{UserKey: request.UserKey, MemoryID: granted.MemoryID, Size: granted.MemorySize})
	}

	return fn(lease)
}

// release sends ReleasePermission. It ignores ctx's cancellation so a
// cancelled caller still returns its lease.
func (c *Client) release(ctx context.Context, conn requester, userKey string, memoryID uint32, permission wire.Permission) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.releaseTimeout)
	defer cancel()

	_, err := conn.Call(releaseCtx, wire.ReleasePermissionRequest{
		UserKey:    userKey,
		MemoryID:   memoryID,
		Permission: permission,
	})
	if err != nil {
		c.logger.Warn("releasing databus permission failed",
			"user_key", userKey,
			"memory_id", memoryID,
			"permission", permission.String(),
			"error", err,
		)
		return fmt.Errorf("releasing %s permission for %s: %w", permission, describeSelector(userKey, memoryID), err)
	}
	return nil
}

func describeSelector(userKey string, memoryID uint32) string {
	if memoryID != 0 {
		return fmt.Sprintf("memory %d", memoryID)
	}
	return fmt.Sprintf("%q", userKey)
}
