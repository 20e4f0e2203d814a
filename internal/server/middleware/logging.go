// Package middleware provides HTTP middleware for the operational endpoint.
package middleware

import (
	"context"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequestThreshold flags requests worth a separate warning.
const slowRequestThreshold = 5 * time.Second

// Logging returns a middleware that records method, path, status and latency
// for every request.
func Logging(logger log.Logger) middleware.Middleware {
	helper := log.NewHelper(logger)
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			start := time.Now()

			method, path := "", ""
			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
				}
			}

			reply, err := handler(ctx, req)
			duration := time.Since(start)

			status := 200
			if err != nil {
				status = int(kerrors.FromError(err).Code)
			}

			helper.Infow("http request",
				"method", method,
				"path", path,
				"status", status,
				"duration_ms", duration.Milliseconds())

			if duration > slowRequestThreshold {
				helper.Warnw("slow http request",
					"method", method,
					"path", path,
					"duration_ms", duration.Milliseconds())
			}

			return reply, err
		}
	}
}
