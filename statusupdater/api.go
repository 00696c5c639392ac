package statusupdater

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPrefix       = "/api"
	apiHealthCheck  = "/healthz"
	apiPathConfig   = "/config"
	apiPathChannels = "/channels"
	apiPathPause    = "/pause"
	apiPathResume   = "/resume"
	apiPathUpdate   = "/update"
	apiPathQuit     = "/quit"
	apiQuitTimeout  = 30 * time.Second
)

// httpReply is a generic message response
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// API is the backend HTTP server: health checks, runtime config
// management and operational controls (pause/resume/update/quit).
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// APIHandlers holds the API request handlers.
type APIHandlers struct {
	su     *StatusUpdater
	logger *slog.Logger
}

func NewAPIHandlers(su *StatusUpdater) *APIHandlers {
	return &APIHandlers{
		su:     su,
		logger: su.logger.With(loggerNameKey, "api_handlers"),
	}
}

// newAPI initializes the API server: engine, middleware, TLS and routes.
func newAPI(su *StatusUpdater, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
	}
	api.handlers = NewAPIHandlers(su)
	api.logger = setupLogger.With(loggerNameKey, "api")

	tlsCfg, err := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
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
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	group := r.Group(apiPrefix)
	group.GET(apiPathConfig, api.handlers.getConfig)
	group.PATCH(apiPathConfig, api.handlers.updateRuntimeConfig)
	group.GET(apiPathChannels, api.handlers.getChannels)
	group.POST(apiPathPause, api.handlers.botPause)
	group.POST(apiPathResume, api.handlers.botResume)
	group.POST(apiPathUpdate, api.handlers.triggerUpdate)
	group.POST(apiPathQuit, api.handlers.botQuit)

	return api, nil
}

// tlsConfig loads the given cert pair. If no cert is configured, a nil
// config is returned and the server runs plain HTTP.
func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	if certfile == "" && keyfile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return err
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"discord_connected": h.su.discord.connected.Load(),
			"paused":            h.su.paused.Load(),
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.su.RuntimeConfig())
}

func (h *APIHandlers) getChannels(c *gin.Context) {
	var states []ChannelState
	if err := h.su.db.WithContext(c).Order("guild_id, channel_id").Find(&states).Error; err != nil {
		ginContextLogger(c).Error("error listing channel states", tint.Err(err))
		ginReplyError(c, "error listing channels")
		return
	}
	c.JSON(http.StatusOK, states)
}

// updateRuntimeConfig handles the HTTP PATCH request to update the bot's
// runtime configuration. Unset fields keep their current values; the
// merged result is validated, persisted, and applied to the running bot.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	su := h.su
	su.cfgMu.Lock()
	defer su.cfgMu.Unlock()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	previous := *su.runtimeConfig
	updated := previous
	updateRequest.apply(&updated)
	logger.InfoContext(c, "Applying updates", "config", updated)

	if err := structValidator.Struct(&updated); err != nil {
		logger.ErrorContext(c, "Error validating config", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: "Error validating config"})
		return
	}
	if _, err := su.writeDB.Save(c, &updated); err != nil {
		logger.ErrorContext(c, "Error updating config", tint.Err(err))
		ginReplyError(c, "Error updating config")
		return
	}

	su.runtimeConfig = &updated
	su.applyRuntimeConfig(&previous, &updated)
	c.JSON(http.StatusOK, updated)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)
	if err := h.su.setPaused(c, true); err != nil {
		log.Error("error pausing", tint.Err(err))
		ginReplyError(c, "error pausing")
		return
	}
	log.Warn("paused bot")
	ginReplyMessage(c, "paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	log := ginContextLogger(c)
	if err := h.su.setPaused(c, false); err != nil {
		log.Error("error resuming", tint.Err(err))
		ginReplyError(c, "error resuming")
		return
	}
	log.Info("resumed bot")
	ginReplyMessage(c, "resumed")
}

func (h *APIHandlers) triggerUpdate(c *gin.Context) {
	h.su.TriggerUpdate()
	ginReplyMessage(c, "update triggered")
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiQuitTimeout)
	defer cancel()

	select {
	case h.su.signalStop <- struct{}{}:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(
			http.StatusGatewayTimeout,
			httpError{Error: "timeout sending stop signal"},
		)
	}
}

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
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests, including duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics, counting requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
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

func init() {
	structValidator.SetTagName("binding")
}
