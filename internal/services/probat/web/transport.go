package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/services/probat/usage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 4 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type renderPayload struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Phase string `json:"phase"`
	HTML  string `json:"html"`
}

type interactPayload struct {
	Name       string         `json:"name"`
	Value      *float64       `json:"value,omitempty"`
	Unit       string         `json:"unit,omitempty"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
}

type ackPayload struct {
	ExperimentID string `json:"experiment_id"`
	Label        string `json:"label"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// serveConn keeps one page's usage alive for the life of the socket. The
// client gets the current render, then at most one swap when the usage
// settles on something it was not already showing.
func (h *handler) serveConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	ctx := request.Context()
	peer := newWSPeer(json.NewEncoder(conn))

	var lastMetric usage.MetricEvent
	u, err := h.newUsage(ctx, func(ev usage.MetricEvent) {
		lastMetric = ev
	})
	if err != nil {
		log.Printf("probat: build demo usage: %v", err)
		_ = writeWSError(peer, "", wsErrorCode(err), "usage unavailable")
		return
	}
	defer u.Close()

	u.Activate(ctx)
	settled := isClosed(u.Settled())
	if err := writeRender(ctx, peer, "probat.render", string(h.demo.ID), u); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	if !settled {
		go func() {
			select {
			case <-u.Settled():
				_ = writeRender(ctx, peer, "probat.swap", string(h.demo.ID), u)
			case <-done:
			}
		}()
	}

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "probat.interact":
			var payload interactPayload
			if len(frame.Payload) > 0 {
				if err := json.Unmarshal(frame.Payload, &payload); err != nil {
					_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid interact payload")
					continue
				}
			}
			u.Interact(ctx, usage.Interaction{
				Name:       strings.TrimSpace(payload.Name),
				Value:      payload.Value,
				Unit:       strings.TrimSpace(payload.Unit),
				Dimensions: payload.Dimensions,
			})
			_ = peer.writeFrame(wsFrame{
				Type:      "probat.ack",
				RequestID: frame.RequestID,
				Payload:   mustJSON(ackPayload{ExperimentID: lastMetric.ExperimentID, Label: string(lastMetric.Label)}),
			})
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func writeRender(ctx context.Context, peer *wsPeer, frameType, usageID string, u *usage.Usage) error {
	var buf bytes.Buffer
	if err := u.Render(ctx, &buf); err != nil {
		log.Printf("probat: render usage: %v", err)
		return err
	}
	state := u.State()
	return peer.writeFrame(wsFrame{
		Type: frameType,
		Payload: mustJSON(renderPayload{
			ID:    usageID,
			Label: string(state.Selection.Label()),
			Phase: state.Phase.String(),
			HTML:  buf.String(),
		}),
	})
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// wsErrorCode maps a failure to the code sent to the page. Degraded
// failures all read as UNAVAILABLE.
func wsErrorCode(err error) string {
	code := apperrors.CodeOf(err)
	switch {
	case code.Degraded():
		return "UNAVAILABLE"
	case code == apperrors.CodeUnknown:
		return "INTERNAL"
	default:
		return string(code)
	}
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "probat.error",
		RequestID: requestID,
		Payload:   mustJSON(wsErrorEnvelope{Error: wsError{Code: code, Message: message}}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("probat: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
