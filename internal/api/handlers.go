package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harshul/devsup/internal/repair"
	"github.com/harshul/devsup/internal/state"
	"github.com/harshul/devsup/internal/supervisor"
)

type pathRequest struct {
	Path string `json:"path" binding:"required"`
}

type startRequest struct {
	Path    string `json:"path" binding:"required"`
	Command string `json:"command"`
}

type advanceRequest struct {
	Path  string       `json:"path" binding:"required"`
	Phase repair.Phase `json:"phase" binding:"required"`
	Note  string       `json:"note"`
}

// statusResponse is the status shape plus the full state for UIs that
// render lastError and errorCode.
type statusResponse struct {
	Running bool                 `json:"running"`
	URL     *string              `json:"url"`
	PID     *int                 `json:"pid"`
	State   state.DevServerState `json:"state"`
	Crashes int                  `json:"crashes"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// httpStatus maps a supervisor error code to a response status.
func httpStatus(code supervisor.Code) int {
	switch code {
	case supervisor.CodeUnresolved:
		return http.StatusUnprocessableEntity
	case supervisor.CodeCrashLoop, supervisor.CodeAlreadyStopping, supervisor.CodeStartCanceled:
		return http.StatusConflict
	case supervisor.CodeDetectionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	var se *supervisor.Error
	if errors.As(err, &se) {
		c.JSON(httpStatus(se.Code), se)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) getConfig(c *gin.Context) {
	cfg := s.sup.Config()
	c.JSON(http.StatusOK, gin.H{
		"probePorts":        cfg.ProbePorts,
		"crashLoopMax":      cfg.CrashLoopMax,
		"crashLoopWindowMs": cfg.CrashLoopWindowMs,
		"killTimeoutMs":     cfg.KillTimeoutMs,
	})
}

func (s *Server) listProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": s.sup.Snapshot()})
}

func (s *Server) resolve(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.sup.Resolve(req.Path)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.sup.Start(c.Request.Context(), req.Path, req.Command)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) stop(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.sup.Stop(c.Request.Context(), req.Path); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) status(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	st := s.sup.Status(path)
	c.JSON(http.StatusOK, statusResponse{
		Running: st.Running(),
		URL:     st.URL,
		PID:     st.PID,
		State:   st,
		Crashes: s.sup.CrashCount(path),
	})
}

func (s *Server) clearCrashHistory(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.sup.ClearCrashHistory(req.Path)
	c.Status(http.StatusNoContent)
}

func (s *Server) output(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	lines := s.sup.Output(path)
	if tail, err := strconv.Atoi(c.DefaultQuery("tail", "0")); err == nil && tail > 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (s *Server) usage(c *gin.Context) {
	u, err := s.sup.Usage(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, u)
}

// events streams supervisor events as server-sent events until the client
// goes away. ?path= narrows the stream to one project.
func (s *Server) events(c *gin.Context) {
	sub := s.sup.Subscribe(c.Query("path"))
	defer sub.Close()

	openStream(c)
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

// openStream commits the event-stream headers so a client connected to an
// idle supervisor sees the response before the first event.
func openStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

func (s *Server) listRepairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  s.repairs.ActiveAll(),
		"history": s.repairs.History(),
	})
}

func (s *Server) advanceRepair(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := s.repairs.Advance(req.Path, req.Phase, req.Note)
	switch {
	case errors.Is(err, repair.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repair.ErrInvalidPhase):
		badRequest(c, err)
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, sess)
	}
}
