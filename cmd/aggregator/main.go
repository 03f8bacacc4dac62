// Package main defines the aggregator node command line entrypoint.
package main

import (
	"fmt"
	"os"
	"runtime"
	runtimeDebug "runtime/debug"

	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	_ "go.uber.org/automaxprocs"

	"github.com/unicitylabs/aggregator/aggregator/node"
	"github.com/unicitylabs/aggregator/config/params"
	"github.com/unicitylabs/aggregator/runtime/version"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	configFileFlag,
	verbosityFlag,
	logFormatFlag,
	portFlag,
	storageURIFlag,
	databaseNameFlag,
	serverIDFlag,
	mockAnchorFlag,
	disableHAFlag,
}

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a yaml file with aggregator config options",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd",
		Value: "text",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "Port to serve JSON-RPC on, overrides the config file",
	}
	storageURIFlag = &cli.StringFlag{
		Name:  "storage-uri",
		Usage: "MongoDB connection string of the shared database",
	}
	databaseNameFlag = &cli.StringFlag{
		Name:  "database-name",
		Usage: "Name of the shared database",
	}
	serverIDFlag = &cli.StringFlag{
		Name:  "server-id",
		Usage: "Replica identity used in leases and feed cursors, defaults to <hostname>-<pid>",
	}
	mockAnchorFlag = &cli.BoolFlag{
		Name:  "mock-anchor",
		Usage: "Use the in-process mock trust anchor instead of the external ledger",
	}
	disableHAFlag = &cli.BoolFlag{
		Name:  "disable-high-availability",
		Usage: "Run standalone: produce blocks without leader election",
	}
)

func main() {
	app := cli.App{
		Name:    "aggregator",
		Usage:   "Highly available commitment aggregator with an externally anchored sparse merkle tree",
		Action:  startNode,
		Version: version.Version(),
		Flags:   appFlags,
		Before: func(cliCtx *cli.Context) error {
			if cliCtx.IsSet(configFileFlag.Name) {
				if err := params.LoadConfigFile(cliCtx.String(configFileFlag.Name)); err != nil {
					return err
				}
			}
			applyFlagOverrides(cliCtx)

			level, err := logrus.ParseLevel(cliCtx.String(verbosityFlag.Name))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)

			switch cliCtx.String(logFormatFlag.Name) {
			case "text":
				formatter := new(prefixed.TextFormatter)
				formatter.TimestampFormat = "2006-01-02 15:04:05"
				formatter.FullTimestamp = true
				logrus.SetFormatter(formatter)
			case "json":
				logrus.SetFormatter(&logrus.JSONFormatter{})
			case "fluentd":
				f := joonix.NewFormatter()
				logrus.SetFormatter(f)
			default:
				return fmt.Errorf("unknown log format %s", cliCtx.String(logFormatFlag.Name))
			}
			return nil
		},
	}
	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(runtimeDebug.Stack()))
			panic(x)
		}
	}()
	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func applyFlagOverrides(cliCtx *cli.Context) {
	cfg := params.AggregatorConfig()
	if cliCtx.IsSet(portFlag.Name) {
		cfg.Port = cliCtx.Int(portFlag.Name)
	}
	if cliCtx.IsSet(storageURIFlag.Name) {
		cfg.StorageURI = cliCtx.String(storageURIFlag.Name)
	}
	if cliCtx.IsSet(databaseNameFlag.Name) {
		cfg.DatabaseName = cliCtx.String(databaseNameFlag.Name)
	}
	if cliCtx.IsSet(serverIDFlag.Name) {
		cfg.ServerID = cliCtx.String(serverIDFlag.Name)
	}
	if cliCtx.IsSet(mockAnchorFlag.Name) {
		cfg.Anchor.Mock = cliCtx.Bool(mockAnchorFlag.Name)
	}
	if cliCtx.IsSet(disableHAFlag.Name) {
		cfg.HighAvailabilityEnabled = !cliCtx.Bool(disableHAFlag.Name)
	}
	params.OverrideAggregatorConfig(cfg)
}

func startNode(cliCtx *cli.Context) error {
	cfg := params.AggregatorConfig()
	log.WithFields(logrus.Fields{
		"serverId": cfg.ServerID,
		"port":     cfg.Port,
		"ha":       cfg.HighAvailabilityEnabled,
		"procs":    runtime.GOMAXPROCS(0),
	}).Info("Starting aggregator node")

	aggregator, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	aggregator.Start()
	return nil
}
