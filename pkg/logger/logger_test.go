package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/docstore-api/pkg/config"
	"github.com/noah-isme/docstore-api/pkg/middleware/requestid"
)

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New(&config.Config{Env: config.EnvProduction, Log: config.LogConfig{Level: "chatty"}})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestGinMiddlewareLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	router := gin.New()
	router.Use(requestid.Middleware(), GinMiddleware(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/broken", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusInternalServerError)
	})

	for _, path := range []string{"/ok", "/missing", "/broken"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Contains(t, entries[2].ContextMap()["errors"], assert.AnError.Error())
	assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
}
