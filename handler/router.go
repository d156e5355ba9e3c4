package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/setanarut/depthlayer/middleware"
)

// BuildInfo is reported by GET /version.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// NewRouter wires the HTTP API. maxMemory bounds the in-memory part of
// multipart parsing.
func NewRouter(h *LayerHandler, info BuildInfo, maxMemory int64) *gin.Engine {
	r := gin.New()
	if maxMemory > 0 {
		r.MaxMultipartMemory = maxMemory
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, info)
	})

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)
		api.POST("/depth", h.Depth)
	}
	v1 := r.Group("/api/v1")
	{
		v1.POST("/layers", h.Upload)
		v1.GET("/layers/:key", h.GetByKey)
	}
	return r
}
