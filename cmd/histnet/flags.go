package main

import (
	"github.com/urfave/cli/v2"

	"github.com/WebFirstLanguage/histnet/pkg/agent"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

var (
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format to use (text, json)",
		Value: "text",
	}
	configFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "YAML file to load node options from. Flags override it.",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the node key, peers and content database",
	}
	nicknameFlag = &cli.StringFlag{
		Name:  "nickname",
		Usage: "Nickname shown in the node handle",
	}
	transportFlag = &cli.StringFlag{
		Name:  "transport",
		Usage: "Peer transport (tcp, quic)",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "listen-addr",
		Usage: "Address to accept peer connections on",
	}
	externalIPFlag = &cli.StringFlag{
		Name:  "external-ip",
		Usage: "IP address advertised in the node record",
	}
	bootnodesFlag = &cli.StringSliceFlag{
		Name:  "bootnode",
		Usage: "Node record (enr: or enode:) to bootstrap from. May be repeated.",
	}
	controlAddrFlag = &cli.StringFlag{
		Name:    "control-addr",
		Usage:   "Address of the local control API",
		Value:   constants.DefaultControlAddr,
		EnvVars: []string{"HISTNET_CONTROL"},
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Address to serve /metrics and /healthz on. Empty disables it.",
	}
	radiusFlag = &cli.StringFlag{
		Name:  "radius",
		Usage: "Storage radius as a 0x-prefixed uint256",
	}
	chainIDFlag = &cli.UintFlag{
		Name:  "chain-id",
		Usage: "Chain id carried in content keys",
		Value: constants.MainnetChainID,
	}
	requestTimeoutFlag = &cli.DurationFlag{
		Name:  "request-timeout",
		Usage: "Timeout of a single peer request",
	}
	fullTxFlag = &cli.BoolFlag{
		Name:  "full",
		Usage: "Resolve the block body and list transaction hashes",
	}
)

var startFlags = []cli.Flag{
	configFileFlag,
	dataDirFlag,
	nicknameFlag,
	transportFlag,
	listenAddrFlag,
	externalIPFlag,
	bootnodesFlag,
	controlAddrFlag,
	metricsAddrFlag,
	radiusFlag,
	chainIDFlag,
	requestTimeoutFlag,
}

// nodeConfig loads the config file if one was given and overlays the flags
// that were set on the command line
func nodeConfig(ctx *cli.Context) (*agent.Config, error) {
	cfg := agent.DefaultConfig()
	if ctx.IsSet(configFileFlag.Name) {
		loaded, err := agent.LoadConfig(ctx.String(configFileFlag.Name))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	stringFlags := map[string]*string{
		dataDirFlag.Name:     &cfg.DataDir,
		nicknameFlag.Name:    &cfg.Nickname,
		transportFlag.Name:   &cfg.Transport,
		listenAddrFlag.Name:  &cfg.ListenAddr,
		externalIPFlag.Name:  &cfg.ExternalIP,
		controlAddrFlag.Name: &cfg.ControlAddr,
		metricsAddrFlag.Name: &cfg.MetricsAddr,
		radiusFlag.Name:      &cfg.Radius,
	}
	for name, dst := range stringFlags {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	if ctx.IsSet(bootnodesFlag.Name) {
		cfg.Bootnodes = append(cfg.Bootnodes, ctx.StringSlice(bootnodesFlag.Name)...)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.ChainID = uint16(ctx.Uint(chainIDFlag.Name))
	}
	if ctx.IsSet(requestTimeoutFlag.Name) {
		cfg.RequestTimeout = ctx.Duration(requestTimeoutFlag.Name)
	}
	return cfg, cfg.Validate()
}
