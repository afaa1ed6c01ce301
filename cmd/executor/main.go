// Command executor is the process entrypoint, wiring CLI flags over
// config.FromEnv() and starting a node.Node, grounded on the teacher's
// cmd/kcn/main.go app-construction and cmd/utils.StartNode signal
// handling idiom.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/PlatformNetwork/term-executor/config"
	"github.com/PlatformNetwork/term-executor/log"
	"github.com/PlatformNetwork/term-executor/node"
	"github.com/PlatformNetwork/term-executor/validator"
)

var logger = log.NewModuleLogger(log.ModuleCmd)

var (
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "HTTP listen port (overrides PORT)",
	}
	workspaceBaseFlag = cli.StringFlag{
		Name:  "workspace-base",
		Usage: "Root directory for extracted archives and task work directories (overrides WORKSPACE_BASE)",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug-level logging",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Usage = "remote batch evaluation executor for AI coding-agent challenges"
	app.Flags = []cli.Flag{portFlag, workspaceBaseFlag, debugFlag}
	app.Action = run
	return app
}

func run(ctx *cli.Context) error {
	runtime.GOMAXPROCS(runtime.NumCPU())
	log.SetLevel(ctx.Bool(debugFlag.Name))

	cfg := config.FromEnv()
	if ctx.IsSet(portFlag.Name) {
		cfg.Port = ctx.Int(portFlag.Name)
	}
	if ctx.IsSet(workspaceBaseFlag.Name) {
		cfg.WorkspaceBase = ctx.String(workspaceBaseFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	n := node.New(cfg, validator.StaticSource{})
	if err := n.Start(); err != nil {
		return errors.Wrap(err, "starting node")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info("shutdown signal received, stopping")
	return n.Stop()
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
