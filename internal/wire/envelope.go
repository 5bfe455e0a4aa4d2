// Package wire implements the interceptor<->supervisor message envelope
// and the tagged, self-describing payload record codec. Grounded on
// original_source/src/common/fbb/tpl.c (the generated record-codec
// template). See spec.md §6.
package wire

import (
	"encoding/binary"

	"github.com/firebuild-go/firebuild/errors"
)

// HeaderSize is the fixed envelope header: 4-byte length, 2-byte ack_id,
// 2-byte tag, all little-endian.
const HeaderSize = 8

// Tag identifies a message's payload schema.
type Tag uint16

const (
	TagScprocQuery Tag = iota + 1
	TagScprocResp
	TagForkChild
	TagForkParent
	TagWait
	TagSystemRet
	TagPopen
	TagPopenParent
	TagPclose
	TagPosixSpawn
	TagPosixSpawnParent
	TagPosixSpawnFailed
	TagOpen
	TagClose
	TagDup3
	TagFcntl
	TagIoctl
	TagRename
	TagMkdir
	TagRmdir
	TagUnlink
	TagChdir
	TagFchdir
	TagClosefrom
	TagCloseRange
	TagReadFromInherited
	TagWriteToInherited
	TagSeekInInherited
	TagPreOpen
	TagSocket
	TagSocketpair
	TagPipeRequest
	TagPipeFds
	TagUtime
	TagLink
	TagSymlink
	TagClone
	TagGetrandom
	TagSyscall
	TagAck
)

// Header is a decoded envelope header.
type Header struct {
	PayloadLen uint32
	AckID      uint16
	Tag        Tag
}

// EncodeHeader serializes h into an 8-byte envelope prefix.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.PayloadLen)
	binary.LittleEndian.PutUint16(b[4:6], h.AckID)
	binary.LittleEndian.PutUint16(b[6:8], uint16(h.Tag))
	return b
}

// DecodeHeader parses an 8-byte envelope prefix.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.WrapWithDetail(errors.ErrMalformedMessage, errors.ErrProtocol, "wire.DecodeHeader", "short header")
	}
	return Header{
		PayloadLen: binary.LittleEndian.Uint32(b[0:4]),
		AckID:      binary.LittleEndian.Uint16(b[4:6]),
		Tag:        Tag(binary.LittleEndian.Uint16(b[6:8])),
	}, nil
}

// Message is one fully decoded envelope: header plus payload bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// Encode serializes a complete message (header + payload).
func Encode(tag Tag, ackID uint16, payload []byte) []byte {
	h := EncodeHeader(Header{PayloadLen: uint32(len(payload)), AckID: ackID, Tag: tag})
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, h[:]...)
	out = append(out, payload...)
	return out
}

// EncodeAck builds the zero-length ACK reply for ackID, per spec.md §4.9
// ACK discipline.
func EncodeAck(ackID uint16) []byte {
	return Encode(TagAck, ackID, nil)
}
