package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"uds-rpc/message"
)

// RecoveryMiddleware turns a panic below it into an error envelope carrying the panic text.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered",
						zap.String("type", string(req.Type)),
						zap.String("name", req.Name()),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					resp = message.Error(fmt.Sprint(r))
					if req.Type == message.TypeSubSignal {
						resp.Type = message.TypeSubRes
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
