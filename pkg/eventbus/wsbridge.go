package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// WSBridge re-publishes a Bus's event stream to a remote websocket
// connection, one JSON frame per event: a reusable bridge any external
// consumer can attach to a session's bus.
type WSBridge struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewWSBridge creates a bridge that accepts any origin; the bridge is
// intended for local-first deployments where the consumer is on the same
// machine.
func NewWSBridge(log *slog.Logger) *WSBridge {
	if log == nil {
		log = slog.Default()
	}
	return &WSBridge{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}
}

// Serve upgrades the HTTP request to a websocket connection and streams bus
// events to it until a write to the connection fails or the request context
// is cancelled. Events wait in a queue of maxQueue entries with DropOldest
// semantics: when it is full, the oldest unsent event is discarded.
func (b *WSBridge) Serve(w http.ResponseWriter, r *http.Request, bus *Bus, maxQueue int) error {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream := bus.SubscribeStream(maxQueue, DropOldest)
	defer stream.Close()

	ctx := r.Context()
	for {
		ev, ok, err := stream.Recv(ctx)
		if err != nil || !ok {
			return err
		}
		payload, err := json.Marshal(toWire(ev))
		if err != nil {
			// An unserializable payload field (never the case for the
			// runtime's own event producers) still yields a frame, so the
			// client sees the event happened even without its body.
			b.log.Error("wsbridge: marshal event", "kind", ev.Kind, "error", err)
			payload, _ = json.Marshal(wireEvent{Kind: string(ev.Kind), Turn: ev.Turn, Error: "unserializable event payload"})
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
}

// wireEvent is Event's JSON form: the full envelope, with the error value
// flattened to its message so every field survives marshaling. Fields
// irrelevant to a given kind are omitted from the frame.
type wireEvent struct {
	Kind            string         `json:"kind"`
	Turn            string         `json:"turn,omitempty"`
	PartialMessage  any            `json:"partial_message,omitempty"`
	CompleteMessage any            `json:"complete_message,omitempty"`
	Delta           *Delta         `json:"delta,omitempty"`
	CallID          string         `json:"call_id,omitempty"`
	Name            string         `json:"name,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	FinalMessages   any            `json:"final_messages,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	PartialState    any            `json:"partial_state,omitempty"`
	Text            *string        `json:"text,omitempty"`
	Level           string         `json:"level,omitempty"`
}

func toWire(ev Event) wireEvent {
	w := wireEvent{
		Kind:            string(ev.Kind),
		Turn:            ev.Turn,
		PartialMessage:  ev.PartialMessage,
		CompleteMessage: ev.CompleteMessage,
		Delta:           ev.Delta,
		CallID:          ev.CallID,
		Name:            ev.Name,
		Args:            ev.Args,
		Result:          ev.Result,
		FinalMessages:   ev.FinalMessages,
		Reason:          ev.Reason,
		PartialState:    ev.PartialState,
		Text:            ev.Text,
		Level:           string(ev.Level),
	}
	if ev.Error != nil {
		w.Error = ev.Error.Error()
	}
	return w
}
