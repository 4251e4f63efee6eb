// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package shmem

const DirectorySupported = false

func (d *Directory) Read(memoryID uint32, size, offset int) ([]byte, error) {
	return nil, ErrPlatformNotSupported
}

func (d *Directory) Write(memoryID uint32, data []byte, offset int) (int, error) {
	return 0, ErrPlatformNotSupported
}
