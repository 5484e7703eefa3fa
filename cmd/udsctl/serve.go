package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	cli "gopkg.in/urfave/cli.v1"

	"uds-rpc/marshal"
	"uds-rpc/registry"
	"uds-rpc/server"
)

const shutdownTopic = "sub_shutdown"

var (
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Serve prometheus metrics on this address, e.g. 127.0.0.1:9100",
	}

	serveCommand = cli.Command{
		Action: serve,
		Name:   "serve",
		Usage:  "Run the demo namespace until SIGINT or SIGTERM",
		Flags:  []cli.Flag{metricsAddrFlag},
	}
)

// Artifact is the structured argument of the demo trigger signal.
type Artifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func demoHandlers(logger *zap.Logger) []registry.Handler {
	return []registry.Handler{
		{
			Name:     "echo",
			Category: registry.Method,
			Params: []registry.Param{
				registry.ParamOf[[]byte]("bytes"),
				registry.ParamOf[[]map[string]any]("list"),
			},
			Returns: registry.ReturnOf[map[string]any](),
			Func: func(ctx context.Context, args marshal.Args) (any, error) {
				b, err := marshal.As[[]byte](args, 0)
				if err != nil {
					return nil, err
				}
				list, err := marshal.As[[]map[string]any](args, 1)
				if err != nil {
					return nil, err
				}
				return map[string]any{"bytes": b, "list": list}, nil
			},
		},
		{
			Name:     "trigger",
			Category: registry.Signal,
			Params: []registry.Param{
				registry.ParamOf[Artifact]("artifact"),
				registry.ParamOf[float64]("weight"),
			},
			Func: func(ctx context.Context, args marshal.Args) (any, error) {
				a, err := marshal.As[Artifact](args, 0)
				if err != nil {
					return nil, err
				}
				w, err := marshal.As[float64](args, 1)
				if err != nil {
					return nil, err
				}
				logger.Info("trigger received", zap.String("name", a.Name), zap.String("version", a.Version), zap.Float64("weight", w))
				return nil, nil
			},
		},
	}
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Endpoint.Namespace == "" {
		cfg.Endpoint.Namespace = "demo"
	}
	logger := zap.L()

	opts := []server.Option{server.WithLogger(logger)}
	dir, err := openDirectory(cfg)
	if err != nil {
		return err
	}
	if dir != nil {
		defer dir.Close()
		opts = append(opts, server.WithDirectory(dir))
	}

	s, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := s.Register(demoHandlers(logger)...); err != nil {
		return err
	}
	if err := s.RegisterTopic(shutdownTopic); err != nil {
		return err
	}

	if addr := ctx.String(metricsAddrFlag.Name); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		hs := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer hs.Close()
	}

	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("stopping", zap.Stringer("signal", sig))

	// tell subscribers before their connections go away
	if n, err := s.Publish(shutdownTopic, map[string]any{"reason": sig.String(), "time": time.Now().Unix()}); err != nil {
		logger.Warn("shutdown notice failed", zap.Error(err))
	} else {
		logger.Info("shutdown notice sent", zap.Int("subscribers", n))
	}
	return s.Shutdown(cfg.Server.ShutdownTimeout.Duration)
}
