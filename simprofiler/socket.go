// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package simprofiler // import "go.opentelemetry.io/apm-correlation/simprofiler"

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/libpf/xsync"
	"go.opentelemetry.io/apm-correlation/stringutil"
)

// sendSocket is the shared, unbound socket used for all traced processes. It
// is created when the first process is attached and never closed.
var sendSocket xsync.Once[int]

// agentSocket is the return channel of one traced process.
type agentSocket struct {
	addr unix.SockaddrUnix
}

// openAgentSocket resolves the return channel socket in the root filesystem
// of pid and checks that the traced process may receive on it.
//
// This method never blocks.
func openAgentSocket(pid libpf.PID, socketPath string) (*agentSocket, error) {
	// Ensure that the socket path can't escape the process root.
	socketPath = filepath.Clean(socketPath)
	if slices.Contains(strings.Split(socketPath, "/"), "..") {
		return nil, errors.New("socket path escapes root")
	}

	// Go through the process root so that containerized processes work.
	socketPath = path.Join("/proc", strconv.Itoa(int(pid)), "root", socketPath)

	euid, egid, err := readProcessOwner(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to determine owner of traced process: %w", err)
	}

	stat, err := os.Stat(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat socket: %w", err)
	}
	unixStat, ok := stat.Sys().(*syscall.Stat_t)
	if !ok || unixStat == nil {
		return nil, errors.New("failed to get unix stat object from stat")
	}
	if stat.Mode().Type() != fs.ModeSocket {
		return nil, errors.New("file is not a socket")
	}

	userMayAccess := stat.Mode()&unix.S_IWUSR == unix.S_IWUSR && unixStat.Uid == euid
	groupMayAccess := stat.Mode()&unix.S_IWGRP == unix.S_IWGRP && unixStat.Gid == egid
	anyoneMayAccess := stat.Mode()&unix.S_IWOTH == unix.S_IWOTH
	if euid != 0 && !anyoneMayAccess && !userMayAccess && !groupMayAccess {
		return nil, errors.New("traced process does not have perms to open socket")
	}

	return &agentSocket{addr: unix.SockaddrUnix{Name: socketPath}}, nil
}

// send tries sending the datagram without blocking. If the receive buffer
// is full or the socket was closed, the message is discarded.
func (s *agentSocket) send(msg []byte) error {
	fd, err := sendSocket.GetOrInit(func() (int, error) {
		return unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	})
	if err != nil {
		return fmt.Errorf("failed to create global send socket: %w", err)
	}
	return unix.Sendto(*fd, msg, unix.MSG_DONTWAIT, &s.addr)
}

// readProcessOwner reads the effective UID and GID of the target process.
func readProcessOwner(pid libpf.PID) (euid, egid uint32, err error) {
	statusFd, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open process status: %w", err)
	}
	defer statusFd.Close()

	scanner := bufio.NewScanner(statusFd)
	found := 0
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			euid, err = parseUIDGIDLine(line)
		case strings.HasPrefix(line, "Gid:"):
			egid, err = parseUIDGIDLine(line)
		default:
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		found++
	}
	if err = scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read process status: %w", err)
	}
	if found != 2 {
		return 0, 0, errors.New("either euid or egid are missing")
	}
	return euid, egid, nil
}

// parseUIDGIDLine returns the effective id of a "Uid:" or "Gid:" line of
// /proc/<pid>/status.
func parseUIDGIDLine(line string) (uint32, error) {
	var fields [5]string
	if stringutil.FieldsN(line, fields[:]) != 5 {
		return 0, fmt.Errorf("unexpected id line layout: %s", line)
	}

	// Fields: real, effective, saved, FS UID
	eid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse uid/gid int: %w", err)
	}
	return uint32(eid), nil
}
