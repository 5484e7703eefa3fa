package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cli "gopkg.in/urfave/cli.v1"

	"uds-rpc/discovery"
)

var (
	watchFlag = cli.BoolFlag{
		Name:  "watch, w",
		Usage: "Keep printing the list whenever it changes",
	}

	psCommand = cli.Command{
		Action: ps,
		Name:   "ps",
		Usage:  "List the namespaces announced in the directory (needs --etcd)",
		Flags:  []cli.Flag{watchFlag},
	}
)

func ps(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	dir, err := openDirectory(cfg)
	if err != nil {
		return err
	}
	if dir == nil {
		return fmt.Errorf("no directory configured, pass --etcd or discovery.etcd.endpoints")
	}
	defer dir.Close()

	category := ctx.GlobalString("category")
	if !ctx.Bool(watchFlag.Name) {
		recs, err := dir.List(context.Background(), category)
		if err != nil {
			return err
		}
		printRecords(recs)
		return nil
	}

	wctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()
	for recs := range dir.Watch(wctx, category) {
		printRecords(recs)
		fmt.Println()
	}
	return nil
}

func printRecords(recs []discovery.Record) {
	for _, rec := range recs {
		fmt.Printf("%s/%s\tpid=%d\t%s\tmethods=[%s]\tsignals=[%s]\n",
			rec.Category, rec.Namespace, rec.PID, rec.Path,
			strings.Join(rec.Methods, ","), strings.Join(rec.Signals, ","))
	}
}
