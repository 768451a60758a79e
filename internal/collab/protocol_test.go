package collab

import (
	"bytes"
	"errors"
	"testing"
)

func TestSyncRequestRoundTrip(testContext *testing.T) {
	heads := []string{"aaaa1111", "bbbb2222"}
	frame, err := DecodeFrame(EncodeSyncRequest(heads))
	if err != nil {
		testContext.Fatalf("failed to decode request: %v", err)
	}
	if frame.Kind != FrameKindSync || frame.Sync != SyncKindRequest {
		testContext.Fatalf("unexpected frame tags: %+v", frame)
	}
	if len(frame.Heads) != 2 || frame.Heads[0] != heads[0] || frame.Heads[1] != heads[1] {
		testContext.Fatalf("unexpected heads: %v", frame.Heads)
	}

	empty, err := DecodeFrame(EncodeSyncRequest(nil))
	if err != nil {
		testContext.Fatalf("failed to decode empty request: %v", err)
	}
	if len(empty.Heads) != 0 {
		testContext.Fatalf("expected no heads, got %v", empty.Heads)
	}
}

func TestSyncPayloadRoundTrip(testContext *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}

	reply, err := DecodeFrame(EncodeSyncReply(payload))
	if err != nil {
		testContext.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Sync != SyncKindReply || !bytes.Equal(reply.Payload, payload) {
		testContext.Fatalf("unexpected reply frame: %+v", reply)
	}

	update, err := DecodeFrame(EncodeSyncUpdate(payload))
	if err != nil {
		testContext.Fatalf("failed to decode update: %v", err)
	}
	if update.Sync != SyncKindUpdate || !bytes.Equal(update.Payload, payload) {
		testContext.Fatalf("unexpected update frame: %+v", update)
	}
}

func TestAwarenessAndEpochRoundTrip(testContext *testing.T) {
	awareness, err := DecodeFrame(EncodeAwareness([]byte(`{"cursor":4}`)))
	if err != nil {
		testContext.Fatalf("failed to decode awareness: %v", err)
	}
	if awareness.Kind != FrameKindAwareness || string(awareness.Payload) != `{"cursor":4}` {
		testContext.Fatalf("unexpected awareness frame: %+v", awareness)
	}

	epoch, err := DecodeFrame(EncodeEpoch(ServerEpoch("123-abc")))
	if err != nil {
		testContext.Fatalf("failed to decode epoch: %v", err)
	}
	if epoch.Kind != FrameKindEpoch || epoch.Epoch != "123-abc" {
		testContext.Fatalf("unexpected epoch frame: %+v", epoch)
	}
}

func TestDecodeFrameRejectsMalformedInput(testContext *testing.T) {
	malformed := [][]byte{
		nil,
		{0x7f},
		{byte(FrameKindSync)},
		{byte(FrameKindSync), 0x7f},
		{byte(FrameKindSync), byte(SyncKindRequest), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
		{byte(FrameKindSync), byte(SyncKindRequest), 0x01, 0x10, 'a'},
		{byte(FrameKindEpoch), 0x10, 'a'},
	}
	for _, data := range malformed {
		if _, err := DecodeFrame(data); !errors.Is(err, ErrMalformedFrame) {
			testContext.Fatalf("expected malformed frame error for % x, got %v", data, err)
		}
	}

	trailing := append(EncodeSyncRequest([]string{"abcd"}), 0x00)
	if _, err := DecodeFrame(trailing); !errors.Is(err, ErrMalformedFrame) {
		testContext.Fatalf("expected trailing bytes to be rejected, got %v", err)
	}
}

func TestDecodeAuthEnvelope(testContext *testing.T) {
	envelope, err := DecodeAuthEnvelope([]byte(`{"token":" abc ","documentId":" doc-1 "}`))
	if err != nil {
		testContext.Fatalf("failed to decode envelope: %v", err)
	}
	if envelope.Token != "abc" || envelope.DocumentID != "doc-1" {
		testContext.Fatalf("unexpected envelope: %+v", envelope)
	}

	if _, err := DecodeAuthEnvelope([]byte(`{"documentId":"doc-1"}`)); !errors.Is(err, ErrMalformedAuthEnvelope) {
		testContext.Fatalf("expected missing token to be rejected, got %v", err)
	}
	if _, err := DecodeAuthEnvelope([]byte(`not json`)); !errors.Is(err, ErrMalformedAuthEnvelope) {
		testContext.Fatalf("expected invalid json to be rejected, got %v", err)
	}
}
