package api

import (
	"net/http"

	"chatrelay/internal/apierr"
	"chatrelay/internal/relay"
	"chatrelay/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handler wires HTTP routes to the stream relay.
type Handler struct {
	relay           *relay.Relay
	prober          *relay.Prober
	limiter         *Limiter
	maxRequestBytes int64
}

// NewHandler constructs a Handler. limiter may be nil; maxRequestBytes <= 0
// leaves request bodies unbounded.
func NewHandler(r *relay.Relay, prober *relay.Prober, limiter *Limiter, maxRequestBytes int64) *Handler {
	return &Handler{
		relay:           r,
		prober:          prober,
		limiter:         limiter,
		maxRequestBytes: maxRequestBytes,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/health/upstream", h.upstreamHealth)

	chat := api.Group("")
	if h.limiter != nil {
		chat.Use(h.limiter.Middleware())
	}
	chat.POST("/chat", h.chat)
}

// NewRouter builds the relay's gin engine with recovery and request logging.
func NewRouter(h *Handler, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestContext(logger))
	h.RegisterRoutes(router)
	return router
}

func respondError(c *gin.Context, err *apierr.Error) {
	c.AbortWithStatusJSON(err.Status(), transport.NewEnvelope(err, RequestID(c)))
}

func (h *Handler) chat(c *gin.Context) {
	ctx := c.Request.Context()
	logger := zerolog.Ctx(ctx)

	body := c.Request.Body
	if h.maxRequestBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxRequestBytes)
	}
	req, verr := transport.DecodeChatRequest(body)
	if verr != nil {
		logger.Warn().Err(verr).Msg("rejected chat request")
		respondError(c, verr)
		return
	}

	stream, err := h.relay.Open(ctx, req)
	if err != nil {
		respondError(c, apierr.Classify(err))
		return
	}

	// Status and headers are committed here; later failures travel in-band.
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	stream.Pump(c.Writer)
}

func (h *Handler) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "configured": h.relay.ConfigError() == nil}
	if p := h.relay.Provider(); p != nil {
		resp["provider"] = p.Name()
		resp["model"] = p.Model()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) upstreamHealth(c *gin.Context) {
	force := c.Query("refresh") == "1" || c.Query("refresh") == "true"
	res := h.prober.Probe(c.Request.Context(), force)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	c.JSON(status, res)
}
