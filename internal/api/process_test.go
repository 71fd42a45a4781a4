//go:build !windows

package api

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStopRealProcess(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	cmd := `echo "  Local:   http://localhost:5199/"; exec sleep 30`

	w := f.do(t, http.MethodPost, "/v1/projects/start", gin.H{"path": dir, "command": cmd})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "http://localhost:5199", out["url"])
	assert.NotZero(t, out["pid"])

	status := decode(t, f.do(t, http.MethodGet, "/v1/projects/status?path="+dir, nil))
	assert.Equal(t, true, status["running"])

	lines := decode(t, f.do(t, http.MethodGet, "/v1/projects/output?path="+dir+"&tail=5", nil))
	assert.NotEmpty(t, lines["lines"])

	w = f.do(t, http.MethodPost, "/v1/projects/stop", gin.H{"path": dir})
	require.Equal(t, http.StatusNoContent, w.Code)

	status = decode(t, f.do(t, http.MethodGet, "/v1/projects/status?path="+dir, nil))
	assert.Equal(t, false, status["running"])
	assert.Nil(t, status["url"])
	assert.Nil(t, status["pid"])
}

func TestQuotedOperatorsStayInOneProcess(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	cmd := `sh -c 'trap "exit 0" TERM; echo "  Local:   http://localhost:5198/"; while :; do sleep 0.1; done'`

	w := f.do(t, http.MethodPost, "/v1/projects/start", gin.H{"path": dir, "command": cmd})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/projects/stop", gin.H{"path": dir})
	require.Equal(t, http.StatusNoContent, w.Code)

	st := f.sup.Status(dir)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode, "the trap should handle SIGTERM")
}
