package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/harshul/devsup/internal/registry"
	"github.com/harshul/devsup/internal/state"
)

// feed keeps the most recent view for one observer's event stream. Older
// undelivered views are dropped.
type feed struct {
	ch   chan registry.View
	done chan struct{}
	once sync.Once
}

func newFeed() *feed {
	return &feed{ch: make(chan registry.View, 1), done: make(chan struct{})}
}

func (f *feed) push(v registry.View) {
	for {
		select {
		case f.ch <- v:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

func (f *feed) close() {
	f.once.Do(func() { close(f.done) })
}

type fieldsRequest struct {
	Path       string          `json:"path" binding:"required"`
	PreviewURL json.RawMessage `json:"previewUrl"`
}

// patch maps an absent previewUrl to "keep", null to "clear".
func (r fieldsRequest) patch() (registry.ObserverPatch, error) {
	var p registry.ObserverPatch
	switch {
	case r.PreviewURL == nil:
	case string(r.PreviewURL) == "null":
		p.PreviewURL = state.Clear[string]()
	default:
		var v string
		if err := json.Unmarshal(r.PreviewURL, &v); err != nil {
			return p, err
		}
		p.PreviewURL = state.Set(v)
	}
	return p, nil
}

func (s *Server) feed(id string) (*feed, bool) {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	f, ok := s.feeds[id]
	return f, ok
}

func (s *Server) observerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrUnknownObserver.Error()})
}

func (s *Server) bindObserver(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f := newFeed()
	id := s.registry.Bind(req.Path, f.push)
	s.feedsMu.Lock()
	s.feeds[id] = f
	s.feedsMu.Unlock()

	v, _ := s.registry.View(id)
	c.JSON(http.StatusCreated, v)
}

func (s *Server) getObserver(c *gin.Context) {
	v, ok := s.registry.View(c.Param("id"))
	if !ok {
		s.observerNotFound(c)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) rebindObserver(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := s.registry.Rebind(id, req.Path); errors.Is(err, registry.ErrUnknownObserver) {
		s.observerNotFound(c)
		return
	}
	v, _ := s.registry.View(id)
	c.JSON(http.StatusOK, v)
}

func (s *Server) unbindObserver(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.View(id); !ok {
		s.observerNotFound(c)
		return
	}
	s.registry.Unbind(id)

	s.feedsMu.Lock()
	if f, ok := s.feeds[id]; ok {
		f.close()
		delete(s.feeds, id)
	}
	s.feedsMu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) activateObserver(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.SetActive(id); errors.Is(err, registry.ErrUnknownObserver) {
		s.observerNotFound(c)
		return
	}
	v, _ := s.registry.View(id)
	c.JSON(http.StatusOK, v)
}

// refreshObserver re-reads the observer's project from the supervisor.
func (s *Server) refreshObserver(c *gin.Context) {
	id := c.Param("id")
	applied, err := s.registry.Refresh(c.Request.Context(), id, func(_ context.Context, path string) (state.DevServerState, error) {
		return s.sup.Status(path), nil
	})
	switch {
	case errors.Is(err, registry.ErrUnknownObserver):
		s.observerNotFound(c)
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"applied": applied})
	}
}

func (s *Server) updateObserverFields(c *gin.Context) {
	var req fieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		badRequest(c, err)
		return
	}
	n := s.registry.UpdateObserversByProject(req.Path, patch)
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// observerEvents streams the observer's view each time it changes.
func (s *Server) observerEvents(c *gin.Context) {
	id := c.Param("id")
	f, ok := s.feed(id)
	if !ok {
		s.observerNotFound(c)
		return
	}
	if v, ok := s.registry.View(id); ok {
		f.push(v)
	}

	openStream(c)
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		case <-f.done:
			return false
		case v := <-f.ch:
			c.SSEvent("view", v)
			return true
		}
	})
}
