package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/noah-isme/docstore-api/pkg/config"
	"github.com/noah-isme/docstore-api/pkg/middleware/requestid"
)

// serviceName is attached to every entry so shared log sinks can filter on it.
const serviceName = "docstore-api"

// New builds the process logger from the log settings. An unknown level falls back to info.
func New(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	if cfg.Env == config.EnvProduction {
		zapCfg = zap.NewProductionConfig()
	}

	zapCfg.Encoding = "json"
	if cfg.Log.Format == "console" {
		zapCfg.Encoding = "console"
	}

	if cfg.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		zapCfg.Level = level
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]interface{}{"service": serviceName, "env": cfg.Env}

	return zapCfg.Build()
}

// GinMiddleware writes one access log line per request. Server errors log at error level
// with the causes recorded on the context.
func GinMiddleware(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if reqID := requestid.Value(c); reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			l.Error("http_request", fields...)
		case status >= 400:
			l.Warn("http_request", fields...)
		default:
			l.Info("http_request", fields...)
		}
	}
}
