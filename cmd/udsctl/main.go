// udsctl runs a demo namespace server and talks to any namespace from the command line.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	cli "gopkg.in/urfave/cli.v1"

	"uds-rpc/config"
	"uds-rpc/discovery"
)

var (
	app = cli.NewApp()

	configFlag = cli.StringFlag{
		Name:  "config, c",
		Usage: "YAML configuration file",
	}
	categoryFlag = cli.StringFlag{
		Name:  "category",
		Usage: "Service category: controller, cache, core, third, remote, office, court, custom",
	}
	namespaceFlag = cli.StringFlag{
		Name:  "namespace, n",
		Usage: "Namespace of the endpoint",
	}
	baseDirFlag = cli.StringFlag{
		Name:  "base-dir",
		Usage: "Directory holding the socket files",
	}
	timeoutFlag = cli.StringFlag{
		Name:  "timeout",
		Usage: "Per call timeout, e.g. 10s or 10 (seconds)",
	}
	etcdFlag = cli.StringSliceFlag{
		Name:  "etcd",
		Usage: "etcd endpoint for the namespace directory, may be repeated",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "verbose, v",
		Usage: "Debug logging",
	}
	jsonLogFlag = cli.BoolFlag{
		Name:  "json-log",
		Usage: "Log JSON lines instead of the console format",
	}
)

func init() {
	app.Name = "udsctl"
	app.Usage = "local Unix socket RPC and pub/sub"
	app.Flags = []cli.Flag{
		configFlag, categoryFlag, namespaceFlag, baseDirFlag, timeoutFlag,
		etcdFlag, verboseFlag, jsonLogFlag,
	}
	app.Commands = []cli.Command{
		serveCommand,
		callCommand,
		triggerCommand,
		subCommand,
		lsCommand,
		psCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		logger, err := newLogger(ctx.GlobalBool(verboseFlag.Name), ctx.GlobalBool(jsonLogFlag.Name))
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		zap.L().Sync()
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose, jsonLog bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if jsonLog {
		cfg = zap.NewProductionConfig()
	}
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// loadConfig reads --config, then applies the endpoint flags on top. The endpoint is
// validated later by the command that uses it.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.GlobalString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if ctx.GlobalIsSet("category") {
		cfg.Endpoint.Category = config.Category(ctx.GlobalString("category"))
	}
	if ctx.GlobalIsSet("namespace") {
		cfg.Endpoint.Namespace = ctx.GlobalString("namespace")
	}
	if ctx.GlobalIsSet("base-dir") {
		cfg.Endpoint.BaseDir = ctx.GlobalString("base-dir")
	}
	if ctx.GlobalIsSet("timeout") {
		var d config.Duration
		if err := d.Set(ctx.GlobalString("timeout")); err != nil {
			return cfg, err
		}
		cfg.Client.Timeout = d
	}
	if etcd := ctx.GlobalStringSlice("etcd"); len(etcd) > 0 {
		cfg.Discovery.Etcd.Endpoints = etcd
	}
	return cfg, nil
}

// openDirectory returns nil when no etcd endpoint is configured.
func openDirectory(cfg config.Config) (*discovery.EtcdDirectory, error) {
	etcd := cfg.Discovery.Etcd
	if len(etcd.Endpoints) == 0 {
		return nil, nil
	}
	return discovery.NewEtcdDirectory(etcd.Endpoints, etcd.DialTimeout.Duration, etcd.KeyPrefix, zap.L())
}
