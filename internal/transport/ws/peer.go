package ws

import (
	"encoding/json"
	"log"
	"sync"

	apperrors "github.com/open-game-collective/OGS/internal/platform/errors"
)

// Frame limits, enforced per connection.
const (
	maxFramePayloadBytes    = 32 * 1024
	maxFramesPerSecond      = 30
	maxDecodeErrorsPerConn  = 10
	maxCommandFieldsPerSend = 32
)

// frame is the wire envelope in both directions.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame types.
const (
	frameConnected = "sync.connected"
	frameEvent     = "sync.event"
	frameSend      = "sync.send"
	frameError     = "sync.error"
)

// wsPeer serializes frame writes to one websocket connection.
type wsPeer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newWSPeer(enc *json.Encoder) *wsPeer {
	return &wsPeer{enc: enc}
}

func (p *wsPeer) writeFrame(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(f)
}

type wsErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeWSError(peer *wsPeer, requestID string, code apperrors.Code, message string) error {
	return peer.writeFrame(frame{
		Type:      frameError,
		RequestID: requestID,
		Payload:   mustJSON(wsErrorPayload{Code: string(code), Message: message}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("sync: failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
