package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pgbridge/pgbridge/internal/auth"
	"github.com/pgbridge/pgbridge/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSSession upgrades GET /session/:identity and runs the frame loop. The
// first offered sub-protocol is echoed back; credentials presented on the
// upgrade request seed the session for a later Open frame.
func (h *Handler) WSSession(c *gin.Context) {
	identity := c.Param("identity")
	if identity == "" {
		c.JSON(http.StatusNotFound, nil)
		return
	}

	var authz auth.Authorization
	if header := c.GetHeader("Authorization"); header != "" {
		if parsed, err := auth.ParseHeader(header); err == nil {
			authz = parsed
		}
	}

	var responseHeader http.Header
	if protocols := websocket.Subprotocols(c.Request); len(protocols) > 0 {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {protocols[0]}}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		// Upgrade already wrote the handshake error.
		log.Warn().Err(err).Str("identity", identity).Msg("websocket upgrade failed")
		return
	}

	agent := userAgent(c)
	ip := c.ClientIP()

	sess, resumed := h.sessions.Attach(identity, conn, agent, ip, authz)
	log.Info().
		Str("identity", identity).
		Str("ip", ip).
		Bool("resumed", resumed).
		Msg("websocket session attached")

	h.readLoop(sess, conn)
}

func (h *Handler) readLoop(sess *Session, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		if h.sessions.Detach(sess.Identity(), conn) {
			log.Info().Str("identity", sess.Identity()).Msg("websocket session closed")
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("identity", sess.Identity()).Msg("websocket read error")
			}
			return
		}
		h.handleFrame(sess, data)
	}
}

func (h *Handler) handleFrame(sess *Session, data []byte) {
	msg, err := ParseWSMessage(data)
	if err != nil {
		sess.Write(WSMessage{
			Type:         MTCallError,
			ErrorCode:    http.StatusBadRequest,
			ErrorMessage: err.Error(),
		})
		return
	}

	switch msg.Type {
	case MTOpen:
		h.wsOpen(sess, msg)

	case MTClose:
		msg.Action = "/sign/out"
		h.wsCall(sess, msg)

	case MTCall:
		h.wsCall(sess, msg)

	case MTCallResult, MTCallError:
		if fn, ok := sess.TakePending(msg.UniqueID); ok {
			fn(msg)
		}
	}
}

// wsOpen processes the hello frame. A payload carrying session+secret resumes
// an authenticated session via /authorize; otherwise the Basic credentials
// from the upgrade request are injected and the frame becomes a /sign/in.
func (h *Handler) wsOpen(sess *Session, msg WSMessage) {
	var payload map[string]json.RawMessage
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			sess.Write(ErrorFor(msg, http.StatusBadRequest, "open payload must be an object"))
			return
		}
	}

	var session, secret string
	if raw, ok := payload["session"]; ok {
		json.Unmarshal(raw, &session)
	}
	if raw, ok := payload["secret"]; ok {
		json.Unmarshal(raw, &secret)
	}

	if session != "" || secret != "" {
		if session == "" || secret == "" {
			sess.Write(ErrorFor(msg, http.StatusBadRequest, "session or secret cannot be empty"))
			return
		}
		sess.SetCredentials(session, secret)

		// The secret never travels to SQL.
		delete(payload, "secret")
		msg.Action = "/authorize"
	} else {
		authz := sess.Authorization()
		if authz.Scheme != auth.SchemeBasic {
			sess.Write(ErrorFor(msg, http.StatusUnauthorized, "no authorization data"))
			return
		}
		if payload == nil {
			payload = map[string]json.RawMessage{}
		}
		user, _ := json.Marshal(authz.Username)
		pass, _ := json.Marshal(authz.Password)
		payload["username"] = user
		payload["password"] = pass
		msg.Action = "/sign/in"
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		sess.Write(ErrorFor(msg, http.StatusInternalServerError, err.Error()))
		return
	}
	msg.Payload = encoded
	msg.Type = MTCall

	h.wsCall(sess, msg)
}

// wsCall signs the frame under the session secret and submits the query. The
// nonce is server time in microseconds; the signature covers the exact
// action+nonce+payload forwarded to SQL.
func (h *Handler) wsCall(sess *Session, msg WSMessage) {
	payload := string(msg.Payload)
	nonce := auth.Nonce(time.Now())
	session, secret := sess.Credentials()

	signature := ""
	if secret != "" {
		signature = auth.Sign(secret, msg.Action, nonce, payload)
	}

	agent, ip := sess.Origin()

	var stmt engine.Statement
	var qc *QueryContext
	switch msg.Action {
	case "/sign/in":
		stmt, qc = BuildSignIn(payload, agent, ip)
	case "/sign/up":
		stmt, qc = BuildSignUp(h.cfg.AdminPassword, payload)
	default:
		stmt, qc = BuildSignFetch(msg.Action, payload, session, nonce, signature, agent, ip, h.cfg.ReceiveWindow)
	}
	qc.Path = msg.Action
	qc.WSIdentity = sess.Identity()
	qc.WSUniqueID = msg.UniqueID

	req := msg
	err := h.engine.Submit(context.Background(), []engine.Statement{stmt},
		func(results []engine.ResultSet) { h.wsDone(qc, req, results) },
		func(err error) { h.wsError(qc, req, err) })
	if err != nil {
		sess.Write(ErrorFor(req, http.StatusServiceUnavailable, err.Error()))
	}
}

func (h *Handler) wsDone(qc *QueryContext, req WSMessage, results []engine.ResultSet) {
	sess, ok := h.sessions.Find(qc.WSIdentity)
	if !ok {
		// Socket gone and WS calls have no job fallback.
		log.Debug().Str("identity", qc.WSIdentity).Msg("websocket result dropped")
		return
	}

	if len(results) == 0 {
		sess.Write(ErrorFor(req, http.StatusInternalServerError, "empty query result"))
		return
	}

	value := ResultToValue(results[0])
	if err := afterQueryWS(sess, qc.Path, value); err != nil {
		sess.Write(ErrorFor(req, http.StatusUnauthorized, err.Error()))
		return
	}

	content, err := json.Marshal(value)
	if err != nil {
		sess.Write(ErrorFor(req, http.StatusInternalServerError, err.Error()))
		return
	}
	sess.Write(ResultFor(req, content))
}

func (h *Handler) wsError(qc *QueryContext, req WSMessage, err error) {
	log.Error().Err(err).Str("path", qc.Path).Msg("database error")

	sess, ok := h.sessions.Find(qc.WSIdentity)
	if !ok {
		return
	}
	sess.Write(ErrorFor(req, http.StatusInternalServerError, err.Error()))
}

// afterQueryWS applies sign-in/out side effects to the session record. A
// result=false row fails the call with the server's message.
func afterQueryWS(sess *Session, path string, value any) error {
	apply := func(obj map[string]any, signIn bool) error {
		if _, failed := obj["error"]; failed {
			return nil
		}
		if !boolField(obj, "result") {
			message := stringField(obj, "message")
			if message == "" {
				message = "access denied"
			}
			return errors.New(message)
		}
		if signIn {
			sess.SetCredentials(stringField(obj, "session"), stringField(obj, "secret"))
		} else {
			sess.ClearCredentials()
		}
		return nil
	}

	switch path {
	case "/sign/in":
		for _, obj := range asObjects(value) {
			if err := apply(obj, true); err != nil {
				return err
			}
		}
	case "/sign/out":
		for _, obj := range asObjects(value) {
			if err := apply(obj, false); err != nil {
				return err
			}
		}
	}
	return nil
}
