// Package httpapi mounts the daemon's REST surface: session lifecycle,
// process management, auth bootstrap, and plugin introspection.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/auth"
	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/daemon"
	"github.com/companionhq/companion/internal/events"
	"github.com/companionhq/companion/internal/events/bus"
	"github.com/companionhq/companion/internal/pipeline"
	"github.com/companionhq/companion/pkg/protocol"
)

// API holds the route handlers.
type API struct {
	daemon *daemon.Daemon
	logger *logger.Logger
}

// New creates the API surface.
func New(d *daemon.Daemon, log *logger.Logger) *API {
	if log == nil {
		log = logger.Default()
	}
	return &API{daemon: d, logger: log.WithFields(zap.String("component", "http-api"))}
}

// Register mounts all routes. Authenticated routes go under the token
// gate; the auth bootstrap endpoints stay outside it.
func (a *API) Register(r gin.IRouter) {
	authGroup := r.Group("/auth")
	{
		authGroup.GET("/auto", a.authAuto)
		authGroup.POST("/verify", a.authVerify)
	}

	gated := r.Group("/", a.daemon.Gate().Middleware())
	{
		gated.GET("/auth/qr", a.authQR)

		gated.POST("/sessions/create", a.createSession)
		gated.POST("/sessions/create-stream", a.createSessionStream)
		gated.GET("/sessions", a.listSessions)
		gated.GET("/sessions/:id", a.getSession)
		gated.DELETE("/sessions/:id", a.deleteSession)
		gated.POST("/sessions/:id/kill", a.killSession)
		gated.POST("/sessions/:id/archive", a.archiveSession)
		gated.POST("/sessions/:id/unarchive", a.unarchiveSession)
		gated.POST("/sessions/:id/relaunch", a.relaunchSession)
		gated.POST("/sessions/:id/name", a.renameSession)
		gated.POST("/sessions/:id/processes/:taskId/kill", a.killProcess)

		gated.GET("/processes", a.listProcesses)
		gated.POST("/processes/kill-all", a.killAll)
		gated.GET("/processes/system", a.system)
		gated.GET("/system", a.system)

		gated.GET("/events", a.streamEvents)

		gated.GET("/settings", a.getSettings)
		gated.PUT("/settings", a.putSettings)

		gated.GET("/linear/projects", a.listLinearProjects)
		gated.POST("/linear/projects", a.upsertLinearProject)
		gated.DELETE("/linear/projects", a.removeLinearProject)

		gated.GET("/plugins", a.listPlugins)
		gated.POST("/plugins/:id/toggle", a.togglePlugin)
		gated.POST("/plugins/:id/grants", a.setPluginGrant)
		gated.POST("/plugins/:id/config", a.setPluginConfig)
		gated.POST("/plugins/:id/dry-run", a.dryRunPlugin)
	}
}

// abortError writes the apperr-mapped status and message.
func (a *API) abortError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

// authAuto hands the token to loopback clients so local browsers can
// bootstrap without copying it by hand.
func (a *API) authAuto(c *gin.Context) {
	if !auth.IsLoopback(c.Request.RemoteAddr) {
		c.JSON(http.StatusForbidden, gin.H{"error": "auto auth is localhost only"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": a.daemon.Gate().Token()})
}

// authVerify checks a presented token.
func (a *API) authVerify(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !a.daemon.Gate().Verify(body.Token) {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// authQR returns the connect payload a companion app encodes as a QR code.
func (a *API) authQR(c *gin.Context) {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	c.JSON(http.StatusOK, gin.H{
		"url":   scheme + "://" + c.Request.Host,
		"token": a.daemon.Gate().Token(),
	})
}

func (a *API) createSession(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	rep := pipeline.NewJSONReporter()
	sess, err := a.daemon.CreateSession(c.Request.Context(), req, rep)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{
			"error": err.Error(),
			"steps": rep.Updates(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session": sess,
		"steps":   rep.Updates(),
	})
}

// createSessionStream runs the pipeline with SSE progress frames; the
// terminal frame is either done with the session id or error.
func (a *API) createSessionStream(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	rep := pipeline.NewSSEReporter(c.Writer, flusher)

	sess, err := a.daemon.CreateSession(c.Request.Context(), req, rep)
	if err != nil {
		// The failing step already emitted its error frame.
		return
	}
	rep.Complete(sess.ID)
}

func (a *API) listSessions(c *gin.Context) {
	includeArchived := c.Query("includeArchived") == "true"
	c.JSON(http.StatusOK, gin.H{"sessions": a.daemon.Store().List(includeArchived)})
}

func (a *API) getSession(c *gin.Context) {
	sess, err := a.daemon.Store().Get(c.Param("id"))
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (a *API) deleteSession(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := a.daemon.DeleteSession(c.Request.Context(), c.Param("id"), force); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (a *API) killSession(c *gin.Context) {
	if err := a.daemon.KillSession(c.Request.Context(), c.Param("id")); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

func (a *API) archiveSession(c *gin.Context) {
	if err := a.daemon.Archive(c.Request.Context(), c.Param("id")); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (a *API) unarchiveSession(c *gin.Context) {
	if err := a.daemon.Unarchive(c.Param("id")); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": false})
}

func (a *API) relaunchSession(c *gin.Context) {
	if err := a.daemon.Relaunch(c.Request.Context(), c.Param("id")); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relaunched": true})
}

func (a *API) renameSession(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.daemon.Rename(c.Param("id"), body.Name); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": body.Name})
}

func (a *API) killProcess(c *gin.Context) {
	if err := a.daemon.KillProcess(c.Request.Context(), c.Param("id"), c.Param("taskId")); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

// streamEvents relays announce-bus session lifecycle events as SSE until
// the client disconnects.
func (a *API) streamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	frames := make(chan []byte, 16)
	sub, err := a.daemon.Announce().Subscribe(events.SubjectSessionAll, func(ctx context.Context, evt *bus.Event) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		select {
		case frames <- payload:
		default: // slow client, skip the frame
		}
		return nil
	})
	if err != nil {
		a.abortError(c, err)
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case payload := <-frames:
			fmt.Fprintf(c.Writer, "event: session\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (a *API) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": a.daemon.Settings().All()})
}

func (a *API) putSettings(c *gin.Context) {
	var body struct {
		Settings map[string]string `json:"settings"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.daemon.Settings().Replace(body.Settings); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": a.daemon.Settings().All()})
}

func (a *API) listLinearProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mappings": a.daemon.LinearMap().List()})
}

func (a *API) upsertLinearProject(c *gin.Context) {
	var body struct {
		RepoRoot string `json:"repoRoot"`
		TeamID   string `json:"teamId"`
		TeamKey  string `json:"teamKey"`
		TeamName string `json:"teamName"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	m, err := a.daemon.LinearMap().Upsert(body.RepoRoot, body.TeamID, body.TeamKey, body.TeamName)
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mapping": m})
}

func (a *API) removeLinearProject(c *gin.Context) {
	repoRoot := c.Query("repoRoot")
	if repoRoot == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repoRoot is required"})
		return
	}
	if err := a.daemon.LinearMap().Remove(repoRoot); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (a *API) listProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": a.daemon.Processes()})
}

func (a *API) killAll(c *gin.Context) {
	a.daemon.KillAllSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

func (a *API) system(c *gin.Context) {
	c.JSON(http.StatusOK, a.daemon.System(c.Request.Context()))
}

func (a *API) listPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": a.daemon.Plugins().List()})
}

func (a *API) togglePlugin(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.daemon.Plugins().SetEnabled(c.Param("id"), body.Enabled); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": body.Enabled})
}

func (a *API) setPluginGrant(c *gin.Context) {
	var body struct {
		Capability string `json:"capability"`
		Granted    bool   `json:"granted"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Capability == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capability is required"})
		return
	}
	if err := a.daemon.Plugins().SetGrant(c.Param("id"), body.Capability, body.Granted); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capability": body.Capability, "granted": body.Granted})
}

func (a *API) setPluginConfig(c *gin.Context) {
	var body struct {
		Config map[string]any `json:"config"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := a.daemon.Plugins().SetConfig(c.Param("id"), body.Config); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": body.Config})
}

// dryRunPlugin invokes one plugin against a synthetic event without
// touching health counters, returning the gated result.
func (a *API) dryRunPlugin(c *gin.Context) {
	var body struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event is required"})
		return
	}

	evt, err := protocol.NewEnvelope(body.Event, protocol.SourceRoutes, "", body.Data)
	if err != nil {
		a.abortError(c, err)
		return
	}
	res, err := a.daemon.Plugins().DryRun(c.Request.Context(), c.Param("id"), evt)
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
