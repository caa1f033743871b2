package cutibot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	apiPrefix           = "/api"
	apiPathLogin        = "/login"
	apiPathLogout       = "/logout"
	apiPathLoggedIn     = "/logged_in"
	apiHealthCheck      = "/healthz"
	apiPathMetrics      = "/metrics"
	apiPathMemory       = "/memory"
	apiPathUserMemory   = "/memory/:user_id"
	apiPathWars         = "/wars"
	apiPathWar          = "/wars/:id"
	apiPathWarnings     = "/warnings"
	apiPathModelCalls   = "/model_calls"
	apiPathRegisterCmds = "/discord/register_commands"

	defaultPageLimit = 25
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
	ginBaseLoggerKey = "base_logger"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It exposes health and metrics endpoints,
// and session-authenticated endpoints for inspecting and resetting
// conversation memory, and browsing wars, warnings and model calls.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store and routes
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := newLogger(nil, config.LogLevel, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	apiHandlers := NewAPIHandlers(b, api, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	var tlsCfg *tls.Config
	if config.SSL.CertFile != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(b.metrics),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(b.metrics.Handler()))
	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathMemory, apiHandlers.getMemory)
	protected.DELETE(apiPathMemory, apiHandlers.clearAllMemory)
	protected.GET(apiPathUserMemory, apiHandlers.getUserMemory)
	protected.DELETE(apiPathUserMemory, apiHandlers.clearUserMemory)
	protected.GET(apiPathWars, apiHandlers.getWars)
	protected.GET(apiPathWar, apiHandlers.getWar)
	protected.GET(apiPathWarnings, apiHandlers.getWarnings)
	protected.GET(apiPathModelCalls, apiHandlers.getModelCalls)
	protected.POST(apiPathRegisterCmds, apiHandlers.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address, using TLS if a certificate
// was configured. Blocks until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints
type APIHandlers struct {
	b      *Bot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. If no API secret is
// configured, a random one is generated, and sessions won't survive
// a restart.
func NewAPIHandlers(b *Bot, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(api.sessionOptions())
	return &APIHandlers{b: b, api: api, logger: logger, store: store}
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// loginHandler checks the given credentials against the stored admin
// account, and starts a session if they match.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: wrong credentials, or no admin account exists
//   - 429 Too Many Requests: login attempts are rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	account, err := GetAdminAccount(c.Request.Context(), h.b.db)
	if err != nil {
		logger.Error("error loading admin account", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if account == nil {
		logger.Warn("admin account not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != account.Username {
		logger.Warn("admin username incorrect")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(account.Password, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Options = h.api.sessionOptions().ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// logoutHandler clears the username from the session
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// healthCheck reports gateway connection state and memory usage
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		MemoryUsers:      len(h.b.memory.Users()),
		MemoryCapacity:   h.b.memory.Capacity(),
		ModelMinInterval: h.b.governor.MinInterval().String(),
	}
	if h.b.discord != nil {
		resp.DiscordGatewayConnected = h.b.discord.connected.Load()
	}
	if last := h.b.governor.LastCall(); !last.IsZero() {
		resp.LastModelCall = &last
	}
	c.JSON(http.StatusOK, resp)
}

// getMemory lists users with conversation history, and how many
// turns are stored for each
func (h *APIHandlers) getMemory(c *gin.Context) {
	users := h.b.memory.Users()
	resp := make([]memorySummary, 0, len(users))
	for _, userID := range users {
		resp = append(
			resp,
			memorySummary{UserID: userID, Turns: h.b.memory.Len(userID)},
		)
	}
	c.JSON(http.StatusOK, resp)
}

// getUserMemory returns a user's stored turns and the transcript
// that would be sent to the model
func (h *APIHandlers) getUserMemory(c *gin.Context) {
	userID := c.Param("user_id")
	turns := h.b.memory.Turns(userID)
	items := make([]memoryTurn, 0, len(turns))
	for _, t := range turns {
		items = append(items, memoryTurn{Speaker: t.Speaker.String(), Text: t.Text})
	}
	c.JSON(
		http.StatusOK,
		userMemoryResponse{
			UserID:     userID,
			Turns:      items,
			Transcript: h.b.memory.Render(userID),
		},
	)
}

// clearUserMemory clears a single user's conversation history
func (h *APIHandlers) clearUserMemory(c *gin.Context) {
	userID := c.Param("user_id")
	n := h.b.ClearMemory(c.Request.Context(), userID)
	ginContextLogger(c).Info("cleared user memory", "user_id", userID, "turns", n)
	c.JSON(http.StatusOK, memoryClearedResponse{Cleared: n})
}

// clearAllMemory clears every user's conversation history, on this
// instance and any other sharing the database
func (h *APIHandlers) clearAllMemory(c *gin.Context) {
	n := h.b.ClearAllMemory(c.Request.Context(), memoryResetScopeAPI)
	ginContextLogger(c).Info("cleared all memory", "users", n)
	c.JSON(http.StatusOK, memoryClearedResponse{Cleared: n})
}

// getWars lists wars, newest first
func (h *APIHandlers) getWars(c *gin.Context) {
	var q GetWarsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	wars, err := h.b.referee.List(
		c.Request.Context(),
		q.GuildID,
		q.Vacant,
		q.limit(),
	)
	if err != nil {
		ginContextLogger(c).Error("error listing wars", tint.Err(err))
		ginReplyError(c, "error listing wars")
		return
	}
	c.JSON(http.StatusOK, wars)
}

func (h *APIHandlers) getWar(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	war, err := h.b.referee.Get(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, ErrWarNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "war not found"})
	case err != nil:
		ginContextLogger(c).Error("error getting war", tint.Err(err))
		ginReplyError(c, "error getting war")
	default:
		c.JSON(http.StatusOK, war)
	}
}

// getWarnings lists moderator warnings, newest first
func (h *APIHandlers) getWarnings(c *gin.Context) {
	var q GetWarningsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.Pagination.apply(h.b.db.WithContext(c.Request.Context()))
	if q.GuildID != "" {
		db = db.Where("guild_id = ?", q.GuildID)
	}
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	var warnings []Warning
	if err := db.Find(&warnings).Error; err != nil {
		ginContextLogger(c).Error("error listing warnings", tint.Err(err))
		ginReplyError(c, "error listing warnings")
		return
	}
	c.JSON(http.StatusOK, warnings)
}

// getModelCalls lists logged model calls, newest first
func (h *APIHandlers) getModelCalls(c *gin.Context) {
	var q GetModelCallsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.Pagination.apply(h.b.db.WithContext(c.Request.Context()))
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	var calls []ModelCallLog
	if err := db.Find(&calls).Error; err != nil {
		ginContextLogger(c).Error("error listing model calls", tint.Err(err))
		ginReplyError(c, "error listing model calls")
		return
	}
	c.JSON(http.StatusOK, calls)
}

// discordRegisterCommands overwrites the bot's registered slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	if h.b.discord == nil || h.b.discord.session == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "discord session not started"},
		)
		return
	}
	commands, err := h.b.discord.registerCommands()
	if err != nil {
		ginContextLogger(c).Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	ginReplyMessage(c, fmt.Sprintf("registered %d commands", len(commands)))
}

// Sort represents the sorting order for queries
type Sort string

// Pagination holds common list query parameters
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p Pagination) limit() int {
	if p.Limit == 0 {
		return defaultPageLimit
	}
	return p.Limit
}

// apply orders by ID (newest first by default), then limits and offsets
func (p Pagination) apply(db *gorm.DB) *gorm.DB {
	order := "id desc"
	if p.Order == Ascending {
		order = "id asc"
	}
	return db.Order(order).Limit(p.limit()).Offset(p.Offset)
}

type GetWarsQuery struct {
	Pagination
	GuildID string `form:"guild_id"`
	Vacant  bool   `form:"vacant"`
}

type GetWarningsQuery struct {
	Pagination
	GuildID string `form:"guild_id"`
	UserID  string `form:"user_id"`
}

type GetModelCallsQuery struct {
	Pagination
	UserID string `form:"user_id"`
}

type memorySummary struct {
	UserID string `json:"user_id"`
	Turns  int    `json:"turns"`
}

type memoryTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type userMemoryResponse struct {
	UserID     string       `json:"user_id"`
	Turns      []memoryTurn `json:"turns"`
	Transcript string       `json:"transcript"`
}

type memoryClearedResponse struct {
	Cleared int `json:"cleared"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool       `json:"discord_gateway_connected"`
	MemoryUsers             int        `json:"memory_users"`
	MemoryCapacity          int        `json:"memory_capacity"`
	ModelMinInterval        string     `json:"model_min_interval"`
	LastModelCall           *time.Time `json:"last_model_call,omitempty"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware aborts with 401 unless the request has a session
// with a username set
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each request,
// and sets it in the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if logger, ok := c.Get(ginBaseLoggerKey); ok {
		if l, ok := logger.(*slog.Logger); ok {
			base = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes, along with
// its duration and any errors
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginBaseLoggerKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method, route and status code
func metricMiddleware(m *botMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.apiRequests.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateModelConfig, ModelConfig{})
	structValidator.RegisterCustomTypeFunc(validatePersonaConfig, PersonaConfig{})
	structValidator.RegisterCustomTypeFunc(validateMemoryConfig, MemoryConfig{})
}
