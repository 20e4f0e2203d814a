package server

import (
	"context"

	"MailSentry/internal/conf"
	"MailSentry/internal/server/middleware"
	"MailSentry/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server exposing the operational endpoints.
func NewHTTPServer(c *conf.Server, healthService *service.HealthService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logger),
		),
	}
	if c != nil && c.Http != nil {
		if c.Http.Network != "" {
			opts = append(opts, http.Network(c.Http.Network))
		}
		if c.Http.Addr != "" {
			opts = append(opts, http.Address(c.Http.Addr))
		}
		if c.Http.Timeout != nil {
			opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
		}
	}
	srv := http.NewServer(opts...)

	registerRoutes(srv, healthService)

	return srv
}

func registerRoutes(srv *http.Server, healthService *service.HealthService) {
	r := srv.Route("/")

	// Liveness probe.
	r.GET("/healthz", func(ctx http.Context) error {
		return ctx.Result(200, map[string]string{"status": "ok"})
	})

	// Scheduler health report. An unhealthy report answers 503 so probes can
	// alert without parsing the body.
	r.GET("/v1/scheduler/health", func(ctx http.Context) error {
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return healthService.SchedulerHealth(c)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		reply := out.(*service.SchedulerHealthReply)
		code := 200
		if !reply.Healthy {
			code = 503
		}
		return ctx.Result(code, reply)
	})
}
