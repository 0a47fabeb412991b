package viewer

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Register mounts the viewer's HTTP API on r.
func (v *Viewer) Register(r gin.IRouter) {
	r.GET("/healthz", v.health)
	r.GET("/streams", v.listStreams)
	r.POST("/streams/:id/capture", v.startCapture)
	r.DELETE("/streams/:id/capture", v.stopCapture)
}

func (v *Viewer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"producer": v.Connected(),
	})
}

func (v *Viewer) listStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": v.Streams()})
}

func (v *Viewer) startCapture(c *gin.Context) {
	if err := v.Capture(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (v *Viewer) stopCapture(c *gin.Context) {
	if err := v.EndCapture(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownStream):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoProducer):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
