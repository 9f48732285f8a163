// Package main implements the histnet command line: the node daemon and a
// client for its control API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/WebFirstLanguage/histnet/pkg/agent"
	"github.com/WebFirstLanguage/histnet/pkg/identity"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

var log = logrus.WithField("prefix", "main")

// shutdownTimeout bounds the gossip flush and database close on exit
const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:    "histnet",
		Usage:   "Portal history network node",
		Version: fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, commitHash),
		Flags:   []cli.Flag{verbosityFlag, logFormatFlag},
		Before:  setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start a history node",
				Flags:  startFlags,
				Action: startNode,
			},
			{
				Name:   "keygen",
				Usage:  "Generate a node key",
				Flags:  []cli.Flag{dataDirFlag},
				Action: keygen,
			},
			{
				Name:   "status",
				Usage:  "Show the status of a running node",
				Flags:  []cli.Flag{controlAddrFlag},
				Action: status,
			},
			{
				Name:      "block",
				Usage:     "Fetch a block header by hash or number",
				ArgsUsage: "<hash|number>",
				Flags:     []cli.Flag{controlAddrFlag, fullTxFlag},
				Action:    block,
			},
			{
				Name:   "peers",
				Usage:  "List the peers of a running node",
				Flags:  []cli.Flag{controlAddrFlag},
				Action: peers,
			},
			{
				Name:      "add-peer",
				Usage:     "Ping a node record and add it to the routing table",
				ArgsUsage: "<enr>",
				Flags:     []cli.Flag{controlAddrFlag},
				Action:    addPeer,
			},
			{
				Name:      "nickname",
				Usage:     "Set the nickname of a running node",
				ArgsUsage: "<nickname>",
				Flags:     []cli.Flag{controlAddrFlag},
				Action:    setNickname,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch format := ctx.String(logFormatFlag.Name); format {
	case "text":
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		logrus.SetFormatter(formatter)
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %s", format)
	}
	return nil
}

func startNode(ctx *cli.Context) error {
	cfg, err := nodeConfig(ctx)
	if err != nil {
		return err
	}
	id, err := identity.LoadOrCreate(cfg.KeyFile())
	if err != nil {
		return err
	}
	node, err := agent.New(cfg, id)
	if err != nil {
		return err
	}

	supervisor := agent.NewSupervisor(node)
	if err := supervisor.Start(context.Background()); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"handle": node.Handle(),
		"enr":    node.Record().String(),
	}).Info("Node started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
	log.Info("Got interrupt, shutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return supervisor.Stop(stopCtx)
}

func keygen(ctx *cli.Context) error {
	cfg := agent.DefaultConfig()
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	path := cfg.KeyFile()
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("node key already exists at %s", path)
	}
	id, err := identity.GenerateIdentity()
	if err != nil {
		return err
	}
	if err := id.SaveToFile(path); err != nil {
		return err
	}
	fmt.Printf("Node key saved to %s\n", path)
	fmt.Printf("Node ID: %s\n", id.NodeID())
	fmt.Printf("Honeytag: %s\n", id.Honeytag())
	return nil
}
