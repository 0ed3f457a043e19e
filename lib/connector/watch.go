// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package connector

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// socketWatch reports the coordinator socket being created or renamed
// into a state directory. One watch lives for a whole Connect, across
// every backoff. A creation seen while no backoff is waiting is
// latched, so the next backoff ends at once instead of sleeping
// through it.
type socketWatch struct {
	file    *os.File
	created chan struct{}
	done    chan struct{}
}

// watchSocket starts watching stateDir. It fails when the directory
// does not exist yet; the coordinator may still be creating it.
func watchSocket(stateDir string) (*socketWatch, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, stateDir, unix.IN_CREATE|unix.IN_MOVED_TO); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", stateDir, err)
	}

	// The descriptor is non-blocking, so the file reads through the
	// runtime poller and Close wakes a pending Read.
	watch := &socketWatch{
		file:    os.NewFile(uintptr(fd), "inotify:"+stateDir),
		created: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go watch.read()
	return watch, nil
}

// Created receives once per batch of events naming the socket.
func (w *socketWatch) Created() <-chan struct{} { return w.created }

func (w *socketWatch) read() {
	defer close(w.done)
	buffer := make([]byte, 4096)
	for {
		count, err := w.file.Read(buffer)
		if err != nil {
			return
		}
		if eventsName(buffer[:count], SocketName) {
			select {
			case w.created <- struct{}{}:
			default:
			}
		}
	}
}

// Close stops the watch and waits for its reader to finish.
func (w *socketWatch) Close() {
	w.file.Close()
	<-w.done
}

// eventsName scans raw inotify events for one naming filename.
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, NUL-padded
//	};
func eventsName(buffer []byte, filename string) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		if nameLength > 0 {
			name := buffer[offset+unix.SizeofInotifyEvent : offset+eventSize]
			if unix.ByteSliceToString(name) == filename {
				return true
			}
		}
		offset += eventSize
	}
	return false
}
