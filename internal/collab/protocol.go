package collab

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameKind is the leading tag byte multiplexing the binary wire protocol.
type FrameKind byte

const (
	// FrameKindSync carries state-vector requests, replies, and update payloads.
	FrameKindSync FrameKind = 0x00
	// FrameKindAwareness carries ephemeral cursor/presence metadata.
	FrameKindAwareness FrameKind = 0x01
	// FrameKindEpoch announces the server's process-lifetime identifier.
	FrameKindEpoch FrameKind = 0x02
)

// SyncKind is the sub-tag within a sync frame.
type SyncKind byte

const (
	// SyncKindRequest asks the peer for everything newer than the carried heads.
	SyncKindRequest SyncKind = 0x00
	// SyncKindReply answers a request with the missing update bytes.
	SyncKindReply SyncKind = 0x01
	// SyncKindUpdate carries an unsolicited incremental update.
	SyncKindUpdate SyncKind = 0x02
)

// Close codes surfaced to clients so they can decide whether to retry,
// re-authenticate, or give up. 4xxx keeps clear of the reserved websocket
// range.
const (
	CloseMissingDocument   = 4400
	CloseInvalidCredential = 4401
	CloseAccessDenied      = 4403
	CloseHandshakeTimeout  = 4408
	CloseInternalError     = 4500
)

// ErrMalformedFrame reports a frame that fails to decode. The offending
// message is dropped; the connection survives unless malformed frames recur.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrMalformedAuthEnvelope reports an unreadable authentication envelope.
var ErrMalformedAuthEnvelope = errors.New("protocol: malformed auth envelope")

const maxHeadsPerRequest = 64

// Frame is the decoded form of one binary protocol message.
type Frame struct {
	Kind    FrameKind
	Sync    SyncKind
	Heads   []string
	Payload []byte
	Epoch   string
}

// AuthEnvelope is the self-describing textual handshake message. It travels
// as a websocket text frame so it can be recognized before the binary
// decoder is engaged, and it deliberately carries the credential in the
// message body rather than the connection URL.
type AuthEnvelope struct {
	Token      string `json:"token"`
	DocumentID string `json:"documentId"`
}

// DecodeAuthEnvelope parses and validates the first handshake message.
func DecodeAuthEnvelope(data []byte) (AuthEnvelope, error) {
	var envelope AuthEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return AuthEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedAuthEnvelope, err)
	}
	envelope.Token = strings.TrimSpace(envelope.Token)
	envelope.DocumentID = strings.TrimSpace(envelope.DocumentID)
	if envelope.Token == "" {
		return AuthEnvelope{}, fmt.Errorf("%w: missing token", ErrMalformedAuthEnvelope)
	}
	return envelope, nil
}

// EncodeSyncRequest frames the sender's heads as a state-vector request.
func EncodeSyncRequest(heads []string) []byte {
	buf := []byte{byte(FrameKindSync), byte(SyncKindRequest)}
	buf = binary.AppendUvarint(buf, uint64(len(heads)))
	for _, head := range heads {
		buf = binary.AppendUvarint(buf, uint64(len(head)))
		buf = append(buf, head...)
	}
	return buf
}

// EncodeSyncReply frames update bytes answering a state-vector request.
func EncodeSyncReply(update []byte) []byte {
	buf := make([]byte, 0, len(update)+2)
	buf = append(buf, byte(FrameKindSync), byte(SyncKindReply))
	return append(buf, update...)
}

// EncodeSyncUpdate frames an incremental update for broadcast.
func EncodeSyncUpdate(update []byte) []byte {
	buf := make([]byte, 0, len(update)+2)
	buf = append(buf, byte(FrameKindSync), byte(SyncKindUpdate))
	return append(buf, update...)
}

// EncodeAwareness frames an ephemeral awareness payload.
func EncodeAwareness(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, byte(FrameKindAwareness))
	return append(buf, payload...)
}

// EncodeEpoch frames the server's process-lifetime identifier.
func EncodeEpoch(epoch ServerEpoch) []byte {
	buf := []byte{byte(FrameKindEpoch)}
	buf = binary.AppendUvarint(buf, uint64(len(epoch)))
	return append(buf, epoch...)
}

// DecodeFrame parses one binary protocol message.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	switch FrameKind(data[0]) {
	case FrameKindSync:
		return decodeSyncFrame(data[1:])
	case FrameKindAwareness:
		return Frame{Kind: FrameKindAwareness, Payload: data[1:]}, nil
	case FrameKindEpoch:
		epoch, err := decodeLengthPrefixedString(data[1:])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameKindEpoch, Epoch: epoch}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedFrame, data[0])
	}
}

func decodeSyncFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: truncated sync frame", ErrMalformedFrame)
	}
	kind := SyncKind(data[0])
	body := data[1:]
	switch kind {
	case SyncKindRequest:
		heads, err := decodeHeads(body)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameKindSync, Sync: SyncKindRequest, Heads: heads}, nil
	case SyncKindReply, SyncKindUpdate:
		return Frame{Kind: FrameKindSync, Sync: kind, Payload: body}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown sync tag 0x%02x", ErrMalformedFrame, data[0])
	}
}

func decodeHeads(data []byte) ([]string, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: unreadable head count", ErrMalformedFrame)
	}
	if count > maxHeadsPerRequest {
		return nil, fmt.Errorf("%w: head count %d exceeds limit", ErrMalformedFrame, count)
	}
	data = data[n:]
	heads := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < length {
			return nil, fmt.Errorf("%w: truncated head entry", ErrMalformedFrame)
		}
		data = data[n:]
		heads = append(heads, string(data[:length]))
		data = data[length:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after heads", ErrMalformedFrame)
	}
	return heads, nil
}

func decodeLengthPrefixedString(data []byte) (string, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < length {
		return "", fmt.Errorf("%w: truncated string", ErrMalformedFrame)
	}
	return string(data[n : n+int(length)]), nil
}
