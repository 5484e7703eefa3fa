package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	cli "gopkg.in/urfave/cli.v1"

	"uds-rpc/client"
	"uds-rpc/message"
)

var (
	bytesFlag = cli.BoolFlag{
		Name:  "bytes",
		Usage: "Send string arguments as byte sequences",
	}

	callCommand = cli.Command{
		Action:    call,
		Name:      "call",
		Usage:     "Call a method and print its result",
		ArgsUsage: "<method> [json args...]",
		Flags:     []cli.Flag{bytesFlag},
	}
	triggerCommand = cli.Command{
		Action:    trigger,
		Name:      "trigger",
		Usage:     "Trigger a signal",
		ArgsUsage: "<signal> [json args...]",
		Flags:     []cli.Flag{bytesFlag},
	}
	subCommand = cli.Command{
		Action:    subscribe,
		Name:      "sub",
		Usage:     "Subscribe to a topic and print every push until interrupted",
		ArgsUsage: "<topic>",
	}
	lsCommand = cli.Command{
		Action: list,
		Name:   "ls",
		Usage:  "List the methods and signals of a namespace",
	}
)

func newClient(ctx *cli.Context) (*client.Client, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts := []client.Option{client.WithLogger(zap.L())}
	cleanup := func() {}
	dir, err := openDirectory(cfg)
	if err != nil {
		return nil, nil, err
	}
	if dir != nil {
		opts = append(opts, client.WithDirectory(dir))
		cleanup = func() { dir.Close() }
	}
	c, err := client.New(cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return c, cleanup, nil
}

// parseArgs decodes every argument as JSON; anything that is not valid JSON is a string.
func parseArgs(raw []string, asBytes bool) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		if str, ok := v.(string); ok && asBytes {
			v = []byte(str)
		}
		args = append(args, v)
	}
	return args
}

func printResult(res client.Result) error {
	if !res.OK() {
		return fmt.Errorf("%s: %s", res.Code, res.Message)
	}
	if len(res.Data) == 0 {
		fmt.Println(res.Message)
		return nil
	}
	fmt.Println(string(res.Data))
	return nil
}

func call(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.ShowCommandHelp(ctx, "call")
	}
	c, cleanup, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	args := parseArgs(ctx.Args().Tail(), ctx.Bool(bytesFlag.Name))
	return printResult(c.CallMethod(context.Background(), ctx.Args().First(), args...))
}

func trigger(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.ShowCommandHelp(ctx, "trigger")
	}
	c, cleanup, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	args := parseArgs(ctx.Args().Tail(), ctx.Bool(bytesFlag.Name))
	return printResult(c.TriggerSignal(context.Background(), ctx.Args().First(), args...))
}

func subscribe(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "sub")
	}
	c, cleanup, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sub, ack := c.SubSignal(context.Background(), ctx.Args().First(), func(res client.Result) {
		if res.Type == message.TypeSubData {
			fmt.Println(string(res.Data))
		}
	})
	if !ack.OK() {
		return fmt.Errorf("%s: %s", ack.Code, ack.Message)
	}
	fmt.Fprintf(os.Stderr, "subscribed to %s\n", sub.Topic())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		return sub.Close()
	case <-sub.Done():
		return sub.Err()
	}
}

func list(ctx *cli.Context) error {
	c, cleanup, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res := c.GetMethodsAndSignals(context.Background())
	if !res.OK() {
		return fmt.Errorf("%s: %s", res.Code, res.Message)
	}
	var listing message.NamespaceListing
	if err := res.Decode(&listing); err != nil {
		return err
	}
	for _, m := range listing.Method {
		fmt.Printf("method  %s%s\n", m.Name, signature(m))
	}
	for _, s := range listing.Signal {
		fmt.Printf("signal  %s%s\n", s.Name, signature(s))
	}
	return nil
}

func signature(item message.NamespaceItem) string {
	if len(item.ParameterNames) == 0 {
		return ""
	}
	s := "("
	for i, name := range item.ParameterNames {
		if i > 0 {
			s += ", "
		}
		s += name
		if i < len(item.ParameterTypes) {
			s += " " + item.ParameterTypes[i]
		}
	}
	return s + ")"
}
