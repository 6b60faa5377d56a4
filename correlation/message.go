// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nopanicslicereader"
)

const (
	// MessageSize is the size of a bare attribution message.
	MessageSize = 42
	// VersionedMessageSize is the size of an attribution message preceded by
	// the message type and minor version.
	VersionedMessageSize = 4 + MessageSize

	// MessageTypeTraceCorrelation is the only known message type.
	MessageTypeTraceCorrelation uint16 = 1
	// MinorVersion is the minor version written by EncodeVersioned.
	MinorVersion uint16 = 1

	// SocketNamePrefix is the file name prefix of return channel sockets.
	SocketNamePrefix = "elastic_apm_profiler_correl_socket_"

	// maxSocketPathLength is the size of sockaddr_un.sun_path minus the
	// terminating zero.
	maxSocketPathLength = 107
)

var (
	// ErrMessageSize is returned for datagrams that are no whole number of
	// messages.
	ErrMessageSize = errors.New("invalid correlation message size")
	// ErrUnknownMessageType is returned for versioned messages with an
	// unsupported type or version.
	ErrUnknownMessageType = errors.New("unknown correlation message type")
)

// Message attributes Count samples of the stack trace StackTraceID to the
// transaction TransactionID of trace TraceID.
type Message struct {
	TraceID       libpf.APMTraceID
	TransactionID libpf.APMTransactionID
	StackTraceID  libpf.TraceHash
	Count         uint16
}

// Encode returns the bare 42 byte wire form of m.
func (m *Message) Encode() []byte {
	return m.appendBody(make([]byte, 0, MessageSize))
}

// EncodeVersioned returns the 46 byte wire form of m including the message
// header.
func (m *Message) EncodeVersioned() []byte {
	b := make([]byte, 0, VersionedMessageSize)
	b = binary.LittleEndian.AppendUint16(b, MessageTypeTraceCorrelation)
	b = binary.LittleEndian.AppendUint16(b, MinorVersion)
	return m.appendBody(b)
}

func (m *Message) appendBody(b []byte) []byte {
	b = append(b, m.TraceID[:]...)
	b = append(b, m.TransactionID[:]...)
	b = append(b, m.StackTraceID.Bytes()...)
	return binary.LittleEndian.AppendUint16(b, m.Count)
}

func decodeBody(b []byte) Message {
	var m Message
	copy(m.TraceID[:], nopanicslicereader.Bytes(b, 0, 16))
	copy(m.TransactionID[:], nopanicslicereader.Bytes(b, 16, 8))
	// 16 bytes are always available here, so this cannot fail.
	m.StackTraceID, _ = libpf.TraceHashFromBytes(nopanicslicereader.Bytes(b, 24, 16))
	m.Count = nopanicslicereader.Uint16(b, 40)
	return m
}

// DecodeMessages decodes all messages of datagram and appends them to out.
// A datagram is either a single versioned message or any number of bare
// messages back to back.
func DecodeMessages(datagram []byte, out []Message) ([]Message, error) {
	if len(datagram) == VersionedMessageSize {
		msgType := nopanicslicereader.Uint16(datagram, 0)
		minor := nopanicslicereader.Uint16(datagram, 2)
		if msgType != MessageTypeTraceCorrelation || minor < 1 {
			return out, fmt.Errorf("%w: type %d version %d",
				ErrUnknownMessageType, msgType, minor)
		}
		return append(out, decodeBody(datagram[4:])), nil
	}

	if len(datagram) == 0 || len(datagram)%MessageSize != 0 {
		return out, fmt.Errorf("%w: %d bytes", ErrMessageSize, len(datagram))
	}
	for off := 0; off < len(datagram); off += MessageSize {
		out = append(out, decodeBody(datagram[off:off+MessageSize]))
	}
	return out, nil
}

// SocketPath returns a fresh return channel path in dir. An empty dir selects
// the system temporary directory.
func SocketPath(dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%d_%d",
		SocketNamePrefix, os.Getpid(), time.Now().UnixMilli()))
	if len(path) > maxSocketPathLength {
		return "", fmt.Errorf("socket path %s exceeds %d bytes", path, maxSocketPathLength)
	}
	return path, nil
}
