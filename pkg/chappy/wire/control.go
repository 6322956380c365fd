// Package wire implements the two byte-level protocols Chappy speaks:
// the interceptor-to-Perforator control protocol over loopback TCP, and
// the peer-to-peer InitQuery/InitResponse framing at the head of every
// QUIC bidirectional stream. Both are fixed, hand-rolled, big-endian
// binary encodings — there is no schema compiler in play, so each
// message type owns its own Read/Write pair.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ClientMagic and ServerMagic are the 13-byte prefixes a Perforator's
// control listener uses to classify an incoming loopback connection.
// Any other 13-byte prefix means the connection is an application byte
// stream forwarded by the interceptor, already framed at byte zero.
var (
	ClientMagic = [13]byte{'c', 'h', 'a', 'p', 'p', 'y', '_', 'c', 'l', 'i', 'e', 'n', 't'}
	ServerMagic = [13]byte{'c', 'h', 'a', 'p', 'p', 'y', '_', 's', 'e', 'r', 'v', 'e', 'r'}
)

const MagicLen = 13

// ReadMagic reads exactly MagicLen bytes, the classification prefix read
// by the control server before deciding how to interpret the rest of the
// connection.
func ReadMagic(r io.Reader) ([MagicLen]byte, error) {
	var m [MagicLen]byte
	_, err := io.ReadFull(r, m[:])
	return m, err
}

// Status is the one-byte reply to a client registration request.
type Status uint8

const (
	StatusOK   Status = 0
	StatusFail Status = 1
)

// ClientRegistration is the body that follows ClientMagic: the
// interceptor announcing a virtual TCP connect it wants the local
// Perforator to relay.
type ClientRegistration struct {
	SourcePort      uint16
	TargetVirtualIP uint32 // IPv4, network order
	TargetPort      uint16
}

// WriteClientRegistration writes ClientMagic followed by the
// registration body.
func WriteClientRegistration(w io.Writer, reg ClientRegistration) error {
	if _, err := w.Write(ClientMagic[:]); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], reg.SourcePort)
	binary.BigEndian.PutUint32(buf[2:6], reg.TargetVirtualIP)
	binary.BigEndian.PutUint16(buf[6:8], reg.TargetPort)
	_, err := w.Write(buf[:])
	return err
}

// ReadClientRegistrationBody reads the body that follows ClientMagic;
// the caller is responsible for having already consumed the magic via
// ReadMagic.
func ReadClientRegistrationBody(r io.Reader) (ClientRegistration, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ClientRegistration{}, err
	}
	return ClientRegistration{
		SourcePort:      binary.BigEndian.Uint16(buf[0:2]),
		TargetVirtualIP: binary.BigEndian.Uint32(buf[2:6]),
		TargetPort:      binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// ServerRegistration is the body that follows ServerMagic: the
// interceptor announcing a virtual bind it wants the local Perforator
// to accept inbound streams for.
type ServerRegistration struct {
	RegisteredPort uint16
}

// WriteServerRegistration writes ServerMagic followed by the
// registration body.
func WriteServerRegistration(w io.Writer, reg ServerRegistration) error {
	if _, err := w.Write(ServerMagic[:]); err != nil {
		return err
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[0:2], reg.RegisteredPort)
	_, err := w.Write(buf[:])
	return err
}

// ReadServerRegistrationBody reads the body that follows ServerMagic;
// the caller is responsible for having already consumed the magic via
// ReadMagic.
func ReadServerRegistrationBody(r io.Reader) (ServerRegistration, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ServerRegistration{}, err
	}
	return ServerRegistration{RegisteredPort: binary.BigEndian.Uint16(buf[0:2])}, nil
}

// WriteStatus writes the one-byte registration reply.
func WriteStatus(w io.Writer, s Status) error {
	_, err := w.Write([]byte{byte(s)})
	return err
}

// ReadStatus reads the one-byte registration reply.
func ReadStatus(r io.Reader) (Status, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return Status(buf[0]), nil
}

// InitQuery is the first message on every peer QUIC bidirectional
// stream: the dialing side announcing which local port it wants
// forwarded, and whether this is a connect-only probe.
type InitQuery struct {
	TargetPort  uint16
	ConnectOnly bool
}

// Write encodes InitQuery as u16 target_port, u8 connect_only.
func (q InitQuery) Write(w io.Writer) error {
	var buf [3]byte
	binary.BigEndian.PutUint16(buf[0:2], q.TargetPort)
	if q.ConnectOnly {
		buf[2] = 1
	}
	_, err := w.Write(buf[:])
	return err
}

// ReadInitQuery decodes an InitQuery written by Write.
func ReadInitQuery(r io.Reader) (InitQuery, error) {
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return InitQuery{}, err
	}
	connectOnly, err := boolFromByte(buf[2])
	if err != nil {
		return InitQuery{}, err
	}
	return InitQuery{
		TargetPort:  binary.BigEndian.Uint16(buf[0:2]),
		ConnectOnly: connectOnly,
	}, nil
}

// InitResponseCode is the one-byte status following an InitQuery.
type InitResponseCode uint8

const (
	InitOK   InitResponseCode = 0
	InitFail InitResponseCode = 1
)

// InitResponse is the reply to InitQuery: whether the local side
// connected to its target successfully.
type InitResponse struct {
	Code InitResponseCode
}

// Write encodes InitResponse as a single status byte.
func (r InitResponse) Write(w io.Writer) error {
	_, err := w.Write([]byte{byte(r.Code)})
	return err
}

// ReadInitResponse decodes an InitResponse written by Write.
func ReadInitResponse(r io.Reader) (InitResponse, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return InitResponse{}, err
	}
	return InitResponse{Code: InitResponseCode(buf[0])}, nil
}

func boolFromByte(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("wire: invalid bool byte %d", b)
	}
}
