package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pgbridge/pgbridge/internal/auth"
	"github.com/pgbridge/pgbridge/internal/config"
	"github.com/pgbridge/pgbridge/internal/engine"
	"github.com/pgbridge/pgbridge/internal/metrics"
	"github.com/pgbridge/pgbridge/internal/models"
)

// allowedMethods is advertised on OPTIONS and 405 responses.
const allowedMethods = "GET, HEAD, POST, OPTIONS"

// Handler is the request dispatcher: it routes by method, path and version,
// binds the request context to a query and hands the batch to the engine.
type Handler struct {
	cfg      *config.Config
	store    *auth.Store
	verifier *auth.Verifier
	engine   *engine.Engine
	metrics  *metrics.Metrics

	jobs     *JobRegistry
	sessions *SessionManager
}

// NewHandler creates the dispatcher with empty job and session tables.
func NewHandler(cfg *config.Config, store *auth.Store, verifier *auth.Verifier, eng *engine.Engine, m *metrics.Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		engine:   eng,
		metrics:  m,
		jobs:     NewJobRegistry(),
		sessions: NewSessionManager(),
	}
}

// Register wires the HTTP surface onto the router.
func (h *Handler) Register(r *gin.Engine) {
	r.HandleMethodNotAllowed = true
	r.NoMethod(h.methodNotAllowed)
	r.NoRoute(h.static)

	r.GET("/api/ping", h.Ping)
	r.HEAD("/api/ping", h.Ping)
	r.GET("/api/time", h.Time)
	r.GET("/api/:version/*path", h.GetAPI)
	r.POST("/api/:version/*path", h.PostAPI)

	r.GET("/session/:identity", h.WSSession)

	r.GET("/oauth2/:provider", h.OAuth2)
	r.GET("/oauth2/:provider/*action", h.OAuth2)

	r.OPTIONS("/*any", h.Options)
}

// Ping godoc
// @Summary Liveness probe
// @Tags api
// @Success 200
// @Router /api/ping [get]
func (h *Handler) Ping(c *gin.Context) {
	c.Status(http.StatusOK)
}

// Time godoc
// @Summary Server time
// @Description Current server time in milliseconds since the epoch
// @Tags api
// @Produce json
// @Success 200 {object} map[string]int64
// @Router /api/time [get]
func (h *Handler) Time(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"serverTime": time.Now().UnixMilli()})
}

// Options advertises the supported methods.
func (h *Handler) Options(c *gin.Context) {
	c.Header("Allow", allowedMethods)
	c.Status(http.StatusNoContent)
}

func (h *Handler) methodNotAllowed(c *gin.Context) {
	c.Header("Allow", allowedMethods)
	c.JSON(http.StatusMethodNotAllowed,
		models.NewError(http.StatusMethodNotAllowed, "method not allowed"))
}

func splitPath(wildcard string) []string {
	trimmed := strings.Trim(wildcard, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// GetAPI handles GET /api/:version/*path: job drain on v2, the object route
// on v1.
func (h *Handler) GetAPI(c *gin.Context) {
	segments := splitPath(c.Param("path"))

	switch c.Param("version") {
	case "v2":
		if len(segments) != 1 || !ValidJobID(segments[0]) {
			c.JSON(http.StatusBadRequest,
				models.NewError(http.StatusBadRequest, "malformed job id"))
			return
		}
		reply, ok := h.jobs.Drain(segments[0])
		if !ok {
			c.JSON(http.StatusNotFound,
				models.NewError(http.StatusNotFound, "job not found"))
			return
		}
		if reply == nil {
			c.Status(http.StatusNoContent)
			return
		}
		h.metrics.RecordJobDrained(c.Request.Context())
		writeReply(c, reply)

	case "v1":
		if len(segments) == 0 || len(segments) > 2 {
			c.JSON(http.StatusNotFound,
				models.NewError(http.StatusNotFound, "not found"))
			return
		}
		action := ""
		if len(segments) == 2 {
			action = segments[1]
		}
		path, payload, err := ObjectRoute(segments[0], action, c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusNotFound,
				models.NewError(http.StatusNotFound, "not found"))
			return
		}

		a, ok := h.authorize(c)
		if !ok {
			return
		}
		stmt, qc, err := BuildAuthFetch(a, path, payload, userAgent(c), c.ClientIP(), h.cfg.AdminPassword)
		if err != nil {
			c.JSON(http.StatusBadRequest,
				models.NewError(http.StatusBadRequest, err.Error()))
			return
		}
		h.dispatch(c, 1, stmt, qc)

	default:
		c.JSON(http.StatusNotFound,
			models.NewError(http.StatusNotFound, "unknown api version"))
	}
}

// PostAPI godoc
// @Summary Invoke an API endpoint
// @Description Forwards the authenticated request to the matching daemon schema entry point
// @Tags api
// @Accept json
// @Produce json
// @Param version path string true "API version (v1 or v2)"
// @Param path path string true "Endpoint path"
// @Success 200 {object} map[string]any
// @Success 202 {object} map[string]string
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /api/{version}/{path} [post]
func (h *Handler) PostAPI(c *gin.Context) {
	var version int
	switch c.Param("version") {
	case "v1":
		version = 1
	case "v2":
		version = 2
	default:
		c.JSON(http.StatusNotFound,
			models.NewError(http.StatusNotFound, "unknown api version"))
		return
	}

	segments := splitPath(c.Param("path"))
	if len(segments) == 0 {
		c.JSON(http.StatusNotFound,
			models.NewError(http.StatusNotFound, "not found"))
		return
	}
	var path strings.Builder
	for _, s := range segments {
		path.WriteByte('/')
		path.WriteString(strings.ToLower(s))
	}
	endpoint := path.String()

	payload, err := requestPayload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest,
			models.NewError(http.StatusBadRequest, err.Error()))
		return
	}

	agent := userAgent(c)
	host := c.ClientIP()

	signature := c.GetHeader(auth.SignatureHeader)
	if signature != "" {
		h.signedFetch(c, version, endpoint, payload, signature, agent, host)
		return
	}

	switch endpoint {
	case "/sign/in":
		stmt, qc := BuildSignIn(payload, agent, host)
		h.dispatch(c, version, stmt, qc)
	case "/sign/up":
		stmt, qc := BuildSignUp(h.cfg.AdminPassword, payload)
		h.dispatch(c, version, stmt, qc)
	default:
		a, ok := h.authorize(c)
		if !ok {
			return
		}
		stmt, qc, err := BuildAuthFetch(a, endpoint, payload, agent, host, h.cfg.AdminPassword)
		if err != nil {
			c.JSON(http.StatusBadRequest,
				models.NewError(http.StatusBadRequest, err.Error()))
			return
		}
		h.dispatch(c, version, stmt, qc)
	}
}

// signedFetch handles a POST carrying a Signature header. The nonce must fall
// within the receive window before any SQL is issued.
func (h *Handler) signedFetch(c *gin.Context, version int, endpoint, payload, signature, agent, host string) {
	nonce := c.GetHeader(auth.NonceHeader)

	window := h.cfg.ReceiveWindow
	if raw := c.Query("receive_window"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			window = time.Duration(ms) * time.Millisecond
		}
	}

	if !auth.InWindow(nonce, time.Now(), window) {
		c.Header("WWW-Authenticate",
			models.WWWAuthenticate(false, models.ErrCodeInvalidRequest, "nonce outside receive window"))
		c.JSON(http.StatusBadRequest,
			models.NewError(http.StatusBadRequest, "nonce outside receive window"))
		return
	}

	switch endpoint {
	case "/sign/in":
		stmt, qc := BuildSignIn(payload, agent, host)
		h.dispatch(c, version, stmt, qc)
	case "/sign/up":
		stmt, qc := BuildSignUp(h.cfg.AdminPassword, payload)
		h.dispatch(c, version, stmt, qc)
	default:
		stmt, qc := BuildSignFetch(endpoint, payload, auth.SessionOf(c.Request), nonce, signature, agent, host, window)
		h.dispatch(c, version, stmt, qc)
	}
}

// authorize parses the request's credentials and verifies Bearer tokens. On
// failure it writes the error response and reports false.
func (h *Handler) authorize(c *gin.Context) (auth.Authorization, bool) {
	a, err := auth.ParseRequest(c.Request)
	if err != nil {
		h.authError(c, false, err)
		return auth.Authorization{}, false
	}

	if a.Scheme == auth.SchemeBearer {
		clean, err := h.verifier.Verify(c.Request.Context(), a.Token)
		if err != nil {
			h.authError(c, true, err)
			return auth.Authorization{}, false
		}
		a.Token = clean
	}

	return a, true
}

// authError maps an authorization failure to its status, envelope and
// WWW-Authenticate challenge.
func (h *Handler) authError(c *gin.Context, bearer bool, err error) {
	status := http.StatusBadRequest
	code := models.ErrCodeInvalidRequest

	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		status = http.StatusForbidden
		code = models.ErrCodeInvalidToken
	case errors.Is(err, auth.ErrTokenInvalidSignature),
		errors.Is(err, auth.ErrTokenInvalidIssuer),
		errors.Is(err, auth.ErrTokenInvalidAudience):
		status = http.StatusUnauthorized
		code = models.ErrCodeInvalidToken
	case errors.Is(err, auth.ErrDenied):
		status = http.StatusUnauthorized
		code = models.ErrCodeUnauthorizedClient
	case errors.Is(err, auth.ErrTokenMalformed), errors.Is(err, auth.ErrMalformedHeader):
		// 400 invalid_request
	}

	c.Header("WWW-Authenticate", models.WWWAuthenticate(bearer, code, err.Error()))
	c.JSON(status, models.NewError(status, err.Error()))
}

// dispatch submits the statement and delivers its reply: v1 blocks the
// connection until the callback fires, v2 books a job ticket and answers 202
// immediately. The engine context is detached from the request: a v2 query
// outlives its originating connection.
func (h *Handler) dispatch(c *gin.Context, version int, stmt engine.Statement, qc *QueryContext) {
	batch := []engine.Statement{stmt}

	if version == 2 {
		job := h.jobs.Create()
		qc.JobID = job.ID

		err := h.engine.Submit(context.Background(), batch,
			func(results []engine.ResultSet) {
				h.jobs.Deposit(job.ID, BuildReply(qc, results))
			},
			func(err error) {
				h.jobs.Deposit(job.ID, DBErrorReply(qc, err))
			})
		if err != nil {
			h.jobs.Remove(job.ID)
			c.JSON(http.StatusServiceUnavailable,
				models.NewError(http.StatusServiceUnavailable, err.Error()))
			return
		}

		h.metrics.RecordJobCreated(c.Request.Context(), qc.Path)
		c.JSON(http.StatusAccepted, gin.H{"jobid": job.ID})
		return
	}

	replyCh := make(chan *Reply, 1)
	err := h.engine.Submit(context.Background(), batch,
		func(results []engine.ResultSet) { replyCh <- BuildReply(qc, results) },
		func(err error) { replyCh <- DBErrorReply(qc, err) })
	if err != nil {
		c.JSON(http.StatusServiceUnavailable,
			models.NewError(http.StatusServiceUnavailable, err.Error()))
		return
	}

	select {
	case reply := <-replyCh:
		writeReply(c, reply)
	case <-c.Request.Context().Done():
		// Client gone. The buffered channel lets the callback complete and
		// the result is discarded.
	}
}

func writeReply(c *gin.Context, reply *Reply) {
	header := c.Writer.Header()
	for name, values := range reply.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if len(reply.Content) == 0 {
		c.Status(reply.Status)
		return
	}
	c.Data(reply.Status, "application/json; charset=utf-8", reply.Content)
}

// requestPayload extracts the JSON payload: the raw body for JSON requests,
// otherwise the form fields converted to a JSON object.
func requestPayload(c *gin.Context) (string, error) {
	if strings.Contains(strings.ToLower(c.ContentType()), "application/json") {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return string(body), nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	if len(c.Request.PostForm) == 0 {
		return "", nil
	}

	fields := make(map[string]string, len(c.Request.PostForm))
	for name, values := range c.Request.PostForm {
		if len(values) > 0 {
			fields[name] = values[0]
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func userAgent(c *gin.Context) string {
	if agent := c.Request.UserAgent(); agent != "" {
		return agent
	}
	return c.Request.Host
}

// OAuth2 redirects the client into the provider's authorize URL, carrying
// over the request's query parameters plus the configured client id. The
// code/callback legs land the client back on the root application.
func (h *Handler) OAuth2(c *gin.Context) {
	if action := strings.Trim(c.Param("action"), "/"); action != "" {
		log.Debug().Str("action", action).Str("provider", c.Param("provider")).Msg("oauth2 callback")
		c.Redirect(http.StatusFound, "/")
		return
	}

	provider, ok := h.store.Get(c.Param("provider"))
	if !ok || provider.AuthURI == "" {
		c.JSON(http.StatusNotFound,
			models.NewError(http.StatusNotFound, "unknown oauth2 provider"))
		return
	}

	var location strings.Builder
	location.WriteString(provider.AuthURI)
	location.WriteString("?client_id=")
	location.WriteString(url.QueryEscape(provider.Audience))

	params := c.Request.URL.Query()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := params.Get(name)
		if value == "" {
			c.JSON(http.StatusBadRequest,
				models.NewError(http.StatusBadRequest, fmt.Sprintf("oauth2: parameter %q is empty", name)))
			return
		}
		if name == "redirect_uri" && strings.HasPrefix(value, "/") {
			value = requestOrigin(c) + value
		}
		location.WriteByte('&')
		location.WriteString(url.QueryEscape(name))
		location.WriteByte('=')
		location.WriteString(url.QueryEscape(value))
	}

	c.Redirect(http.StatusFound, location.String())
}

func requestOrigin(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// static serves everything outside the API surface. HTML pages sit behind
// the session gate: without a valid session the sign-in page is served
// instead.
func (h *Handler) static(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		h.methodNotAllowed(c)
		return
	}

	path := c.Request.URL.Path
	if path == "" || path[0] != '/' || strings.Contains(path, "..") {
		c.JSON(http.StatusBadRequest,
			models.NewError(http.StatusBadRequest, "bad path"))
		return
	}
	if strings.HasSuffix(path, "/") {
		path += "index.html"
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".html" || ext == ".htm" {
		session := auth.SessionOf(c.Request)
		switch {
		case strings.HasPrefix(path, "/sign/"):
			// Already signed in: the sign pages bounce home.
			if len(session) == auth.SessionLength {
				c.Redirect(http.StatusFound, "/")
				return
			}
		case len(session) != auth.SessionLength:
			path = "/sign/index.html"
		default:
			h.serveAuthorized(c, session, path)
			return
		}
	}

	h.serveFile(c, path)
}

// serveAuthorized validates the session against daemon.Authorize before
// serving the page. A rejected session loses its cookies and lands on the
// sign-in flow.
func (h *Handler) serveAuthorized(c *gin.Context, session, path string) {
	type outcome struct {
		ok     bool
		reason string
		err    error
	}

	ch := make(chan outcome, 1)
	err := h.engine.Submit(context.Background(), []engine.Statement{BuildAuthorize(session)},
		func(results []engine.ResultSet) {
			var out outcome
			if len(results) > 0 && len(results[0].Rows) > 0 {
				row := results[0].Rows[0]
				if len(row) > 0 {
					out.ok, _ = row[0].(bool)
				}
				if len(row) > 1 {
					out.reason, _ = row[1].(string)
				}
			}
			ch <- out
		},
		func(err error) { ch <- outcome{err: err} })
	if err != nil {
		c.JSON(http.StatusServiceUnavailable,
			models.NewError(http.StatusServiceUnavailable, err.Error()))
		return
	}

	select {
	case out := <-ch:
		if out.err != nil {
			log.Error().Err(out.err).Msg("session validation failed")
			c.JSON(http.StatusInternalServerError,
				models.NewError(http.StatusInternalServerError, out.err.Error()))
			return
		}
		if out.ok {
			h.serveFile(c, path)
			return
		}
		if out.reason != "" {
			log.Info().Str("reason", out.reason).Msg("session rejected")
		}
		c.SetCookie(auth.APIKeyCookie, "null", -1, "/api", "", false, false)
		c.SetCookie(auth.SessionCookie, "null", -1, "/", "", false, false)
		c.Redirect(http.StatusFound, "/sign/")
	case <-c.Request.Context().Done():
	}
}

func (h *Handler) serveFile(c *gin.Context, path string) {
	full := filepath.Join(h.cfg.StaticRoot, filepath.Clean(path))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound,
			models.NewError(http.StatusNotFound, "not found"))
		return
	}
	c.File(full)
}
