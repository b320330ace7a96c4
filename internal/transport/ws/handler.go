// Package ws binds the sync core to a persistent websocket transport:
// commands flow inbound as schema-validated frames, the replication stream
// flows outbound, and each socket is pinned to a connection entity resolved
// from the caller's access token.
package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/open-game-collective/OGS/internal/auth"
	"github.com/open-game-collective/OGS/internal/entity"
	"github.com/open-game-collective/OGS/internal/id"
	apperrors "github.com/open-game-collective/OGS/internal/platform/errors"
	"github.com/open-game-collective/OGS/internal/replication"
	"github.com/open-game-collective/OGS/internal/schema"
	"github.com/open-game-collective/OGS/internal/world"
)

type wsClaimsContextKey struct{}

// Authenticator verifies an access token into connection claims.
type Authenticator func(token string) (auth.Claims, error)

// NewHandler creates the sync routes. A nil authenticator disables identity
// checks; used by tests and offline paths.
func NewHandler(w *world.World, authenticate Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, w)
	})

	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.Header().Set("Allow", http.MethodGet)
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if authenticate != nil {
			token := strings.TrimSpace(r.URL.Query().Get("accessToken"))
			if token == "" {
				log.Printf("sync: websocket unauthorized: missing accessToken for remote=%s", r.RemoteAddr)
				http.Error(rw, "authentication required", http.StatusUnauthorized)
				return
			}
			claims, err := authenticate(token)
			if err != nil {
				log.Printf("sync: websocket unauthorized: token verification failed for remote=%s err=%v", r.RemoteAddr, err)
				http.Error(rw, "authentication required", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), wsClaimsContextKey{}, claims)
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(rw, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, w *world.World) {
	defer func() {
		_ = conn.Close()
	}()

	// Enforced by the frame reader: an oversized frame is discarded without
	// ever being buffered.
	conn.MaxPayloadBytes = maxFramePayloadBytes
	peer := newWSPeer(json.NewEncoder(conn))

	claims := auth.Claims{SessionID: "anonymous", SubjectID: "anonymous"}
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsClaimsContextKey{}).(auth.Claims); ok {
			claims = resolved
		}
	}

	connEntity, err := resolveConnection(w, claims)
	if err != nil {
		log.Printf("sync: resolve connection entity for session=%s: %v", claims.SessionID, err)
		_ = writeWSError(peer, "", apperrors.CodeUnauthenticated, "could not establish connection entity")
		return
	}

	_ = peer.writeFrame(frame{
		Type:    frameConnected,
		Payload: mustJSON(map[string]string{"connectionEntityId": string(connEntity.ID())}),
	})

	publisher := replication.NewPublisher(w, func(msg replication.Message) error {
		return peer.writeFrame(frame{Type: frameEvent, Payload: mustJSON(msg)})
	}, nil)
	publisher.Run()
	defer publisher.Close()

	defer func() {
		w.Do(func() {
			_ = connEntity.Send(entity.Command{Type: "DISCONNECT", SenderID: connEntity.ID()})
		})
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var f frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			if stderrors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			if stderrors.Is(err, websocket.ErrFrameTooLarge) {
				_ = writeWSError(peer, "", apperrors.CodeInvalidCommand, "payload too large")
			} else {
				_ = writeWSError(peer, "", apperrors.CodeInvalidCommand, "invalid frame payload")
			}
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, f.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch f.Type {
		case frameSend:
			handleSendFrame(w, peer, connEntity.ID(), f)
		default:
			_ = writeWSError(peer, f.RequestID, apperrors.CodeInvalidCommand, "unsupported frame type")
		}
	}
}

type sendPayload struct {
	EntityID string         `json:"entityId"`
	Type     string         `json:"type"`
	Fields   map[string]any `json:"fields,omitempty"`
}

func handleSendFrame(w *world.World, peer *wsPeer, senderID id.ID, f frame) {
	var payload sendPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		_ = writeWSError(peer, f.RequestID, apperrors.CodeInvalidCommand, "invalid send payload")
		return
	}
	if strings.TrimSpace(payload.EntityID) == "" || strings.TrimSpace(payload.Type) == "" {
		_ = writeWSError(peer, f.RequestID, apperrors.CodeInvalidCommand, "entityId and type are required")
		return
	}
	if len(payload.Fields) > maxCommandFieldsPerSend {
		_ = writeWSError(peer, f.RequestID, apperrors.CodeInvalidCommand, "too many command fields")
		return
	}

	target, ok := w.Get(id.ID(payload.EntityID))
	if !ok {
		_ = writeWSError(peer, f.RequestID, apperrors.CodeEntityMissing, "entity not found")
		return
	}

	var sendErr error
	w.Do(func() {
		sendErr = target.Send(entity.Command{
			Type:     payload.Type,
			SenderID: senderID,
			Fields:   payload.Fields,
		})
	})
	if sendErr != nil {
		_ = writeWSError(peer, f.RequestID, apperrors.CodeOf(sendErr), sendErr.Error())
	}
}

// resolveConnection finds the connection entity for the caller's session, or
// creates one from the token claims.
func resolveConnection(w *world.World, claims auth.Claims) (*entity.Entity, error) {
	for _, e := range w.Entities() {
		if e.Kind() != schema.Connection {
			continue
		}
		sessionID, _ := e.Get("sessionId")
		if sessionID == claims.SessionID {
			return e, nil
		}
	}

	props := map[string]any{
		"instanceId": uuid.NewString(),
		"sessionId":  claims.SessionID,
	}
	if claims.DeviceID != "" {
		props["deviceId"] = claims.DeviceID
	}
	if claims.InitialRouteProps != nil {
		props["initialRouteProps"] = claims.InitialRouteProps
	}
	return w.Create(schema.Connection, props)
}
