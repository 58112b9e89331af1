package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewFallbackRouter answers every request with the initialization error so a
// process that failed to build its dependencies still serves a well formed
// response.
func NewFallbackRouter(initErr error) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Function initialization failed",
			Message: initErr.Error(),
			Details: "Check the server logs for more information",
		})
	})
	return r
}
