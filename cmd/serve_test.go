//go:build !windows

package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/devsup/internal/api"
	"github.com/harshul/devsup/internal/config"
	"github.com/harshul/devsup/internal/supervisor"
)

func TestShutdownWithOpenStreamStopsGracefully(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg = config.Default()
	sup := supervisor.New(cfg)
	srv := api.NewServer("127.0.0.1:0", sup)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	dir := t.TempDir()
	cmd := `sh -c 'trap "sleep 0.5; exit 0" TERM; echo "  Local:   http://localhost:5197/"; while :; do sleep 0.1; done'`
	_, err = sup.Start(context.Background(), dir, cmd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+l.Addr().String()+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	begin := time.Now()
	require.NoError(t, shutdown(sup, srv))
	assert.Less(t, time.Since(begin), cfg.KillTimeout(), "the event stream must not hold up shutdown")

	st := sup.Status(dir)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode, "dev server should get its graceful period")
	require.NoError(t, <-served)
}
