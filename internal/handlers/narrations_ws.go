package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/models"
)

const (
	narrationsWSReadLimit = 16 << 20
	narrationsWSIdle      = 10 * time.Minute
)

var narrationsWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsOutMessage is the JSON shape sent to the client.
type wsOutMessage struct {
	Type    string                  `json:"type"` // stage_started, stage_finished, result, error
	Stage   string                  `json:"stage,omitempty"`
	Message string                  `json:"message,omitempty"`
	Report  *models.StageReport     `json:"report,omitempty"`
	Result  *models.NarrationResult `json:"result,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// wsObserver forwards stage progress to the socket. Write errors are remembered and end the session.
type wsObserver struct {
	conn *websocket.Conn
	err  error
}

func (o *wsObserver) StageStarted(stage, message string) {
	o.send(wsOutMessage{Type: "stage_started", Stage: stage, Message: message})
}

func (o *wsObserver) StageFinished(report models.StageReport) {
	o.send(wsOutMessage{Type: "stage_finished", Stage: report.Stage, Report: &report})
}

func (o *wsObserver) send(msg wsOutMessage) {
	if o.err != nil {
		return
	}
	o.err = writeWSJSON(o.conn, msg)
}

// NarrationsWS handles GET /v1/narrations/ws. Each client message is a
// narration request body; the server streams stage progress followed by the result.
func (h *Handler) NarrationsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := narrationsWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("narrations ws upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(narrationsWSReadLimit)
	conn.SetReadDeadline(time.Now().Add(narrationsWSIdle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(narrationsWSIdle))
		return nil
	})

	apiKeyID := apiKeyFromContext(r.Context())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("narrations ws read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(narrationsWSIdle))

		var req models.CreateNarrationRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			if err := writeWSJSON(conn, wsOutMessage{Type: "error", Error: "invalid JSON: " + err.Error()}); err != nil {
				return
			}
			continue
		}
		in, err := h.svc.BuildInput(&req)
		if err != nil {
			if err := writeWSJSON(conn, wsOutMessage{Type: "error", Error: err.Error()}); err != nil {
				return
			}
			continue
		}

		obs := &wsObserver{conn: conn}
		result, err := h.svc.Narrate(r.Context(), in, apiKeyID, obs)
		if obs.err != nil {
			log.Debug().Err(obs.err).Msg("narrations ws write")
			return
		}
		out := wsOutMessage{Type: "result", Result: result}
		if err != nil {
			out = wsOutMessage{Type: "error", Error: err.Error()}
		}
		if err := writeWSJSON(conn, out); err != nil {
			log.Debug().Err(err).Msg("narrations ws write")
			return
		}
	}
}

func writeWSJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return conn.WriteJSON(v)
}
