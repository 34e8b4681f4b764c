package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/feeds/recalls", handler.GetFeed)
	r.GET("/health", handler.GetHealth)
	r.GET("/stats", handler.GetStats)

	api := r.Group("/api")
	{
		api.GET("/recalls/search", handler.SearchGet)
		api.POST("/recalls/search", handler.SearchPost)
		api.GET("/recalls/:id", handler.GetRecall)
		api.GET("/agencies", handler.ListAgencies)
		api.GET("/agencies/:agency/recalls/:external_id", handler.LookupRecall)
		api.GET("/groups/:id", handler.GetGroup)
	}

	if apiAccessKey != "" {
		admin := api.Group("", authMiddleware(apiAccessKey))
		admin.POST("/ingest", handler.TriggerIngest)
		admin.POST("/dedup", handler.TriggerDedup)
		admin.GET("/tasks/:id", handler.GetTask)
		slog.Info("Ingest endpoints enabled with authentication")
	} else {
		slog.Info("Ingest endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		endpoints := map[string]string{
			"feed":     "/feeds/recalls (RSS, accepts search filters)",
			"health":   "/health",
			"stats":    "/stats",
			"search":   "/api/recalls/search (GET with query parameters or POST with JSON)",
			"recall":   "/api/recalls/<id>",
			"lookup":   "/api/agencies/<agency>/recalls/<external_id>",
			"group":    "/api/groups/<id>",
			"agencies": "/api/agencies",
		}
		if apiAccessKey != "" {
			endpoints["ingest"] = "/api/ingest (POST, requires X-API-Key header)"
			endpoints["dedup"] = "/api/dedup (POST, requires X-API-Key header)"
			endpoints["task"] = "/api/tasks/<id> (requires X-API-Key header)"
		}

		c.JSON(http.StatusOK, gin.H{
			"service":     "Recall Comb",
			"version":     handler.version,
			"description": "Product safety recall aggregation with identifier extraction, deduplication and search",
			"endpoints":   endpoints,
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

// authMiddleware accepts the key in X-API-Key or as a Bearer token.
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
