package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/WebFirstLanguage/histnet/pkg/control"
)

// callTimeout covers a network lookup by the node
const callTimeout = 90 * time.Second

func call(ctx *cli.Context, method string, params map[string]interface{}, out interface{}) error {
	c, cancel := context.WithTimeout(ctx.Context, callTimeout)
	defer cancel()

	client, err := control.Dial(c, ctx.String(controlAddrFlag.Name))
	if err != nil {
		return errors.Wrap(err, "is the node running?")
	}
	defer client.Close()
	return client.Call(c, method, params, out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func status(ctx *cli.Context) error {
	var info control.Info
	if err := call(ctx, "GetInfo", nil, &info); err != nil {
		return err
	}
	fmt.Printf("Node ID:   %s\n", info.NodeID)
	fmt.Printf("State:     %s\n", info.State)
	if info.Handle != "" {
		fmt.Printf("Handle:    %s\n", info.Handle)
	} else {
		fmt.Printf("Honeytag:  %s\n", info.Honeytag)
	}
	fmt.Printf("Transport: %s %s\n", info.Transport, info.ListenAddr)
	fmt.Printf("Chain:     %d\n", info.ChainID)
	fmt.Printf("Height:    %d\n", info.Height)
	fmt.Printf("Peers:     %d\n", info.Peers)
	fmt.Printf("ENR:       %s\n", info.ENR)
	return nil
}

func block(ctx *cli.Context) error {
	arg := ctx.Args().First()
	if arg == "" {
		return errors.New("block hash or number is required")
	}
	params := map[string]interface{}{"fullTransactions": ctx.Bool(fullTxFlag.Name)}
	method := "history.getBlockByNumber"
	if strings.HasPrefix(arg, "0x") && len(arg) == 66 {
		method = "history.getBlockByHash"
		params["hash"] = arg
	} else {
		params["number"] = arg
	}
	var result json.RawMessage
	if err := call(ctx, method, params, &result); err != nil {
		if errors.Is(err, control.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("Block %s not found", arg), 2)
		}
		return err
	}
	return printJSON(result)
}

func peers(ctx *cli.Context) error {
	var result json.RawMessage
	if err := call(ctx, "peers", nil, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func addPeer(ctx *cli.Context) error {
	record := ctx.Args().First()
	if record == "" {
		return errors.New("node record is required")
	}
	if err := call(ctx, "peers.add", map[string]interface{}{"enr": record}, nil); err != nil {
		return err
	}
	fmt.Println("Peer added")
	return nil
}

func setNickname(ctx *cli.Context) error {
	nickname := ctx.Args().First()
	if nickname == "" {
		return errors.New("nickname is required")
	}
	var result map[string]string
	if err := call(ctx, "SetNickname", map[string]interface{}{"nickname": nickname}, &result); err != nil {
		return err
	}
	fmt.Printf("Handle: %s\n", result["handle"])
	return nil
}
