package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	conduit "github.com/knnlabs/conduit/internal"
)

// Bridge pumps frames between an upgraded inbound socket and a provider
// session until either side ends. It owns neither connection's lifetime
// beyond the pump: the caller closes the client socket, and the session is
// closed here once traffic stops. The returned error is the first failure,
// or nil on a clean shutdown from either side.
func Bridge(ctx context.Context, client *websocket.Conn, sess conduit.RealtimeSession, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.Close()

	errc := make(chan error, 2)
	go func() { errc <- pumpInbound(ctx, client, sess) }()
	go func() { errc <- pumpOutbound(client, sess) }()

	err := <-errc
	cancel()
	if err != nil {
		log.LogAttrs(ctx, slog.LevelDebug, "realtime bridge closed",
			slog.String("session_id", sess.Info().ID),
			slog.String("error", err.Error()))
	}
	return err
}

// pumpInbound relays client frames into the provider session.
func pumpInbound(ctx context.Context, client *websocket.Conn, sess conduit.RealtimeSession) error {
	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				return nil
			}
			return conduit.WrapError(conduit.KindCommunication, err, "realtime: client read")
		}
		if mt != websocket.TextMessage {
			// The inbound dialect is JSON-only; audio travels base64.
			continue
		}
		frame, err := ParseClientFrame(data)
		if err != nil {
			return err
		}
		if err := sess.Send(ctx, frame); err != nil {
			return err
		}
	}
}

// pumpOutbound relays session events back to the client. The event channel
// closing ends the pump; a terminal error event is forwarded first.
func pumpOutbound(client *websocket.Conn, sess conduit.RealtimeSession) error {
	for ev := range sess.Events() {
		data, err := MarshalServerEvent(ev)
		if err != nil {
			return err
		}
		_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "realtime: client write")
		}
		if ev.Type == conduit.EventError {
			return ev.Err
		}
	}
	// Session ended; tell the client before the caller tears down.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return nil
}
