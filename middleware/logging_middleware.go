package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"uds-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("type", string(req.Type)),
				zap.String("name", req.Name()),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Code != message.CodeOK {
				logger.Info("request failed", append(fields, zap.String("msg", resp.Msg))...)
				return resp
			}
			logger.Debug("request served", fields...)
			return resp
		}
	}
}
