package main

import (
	"fmt"

	"github.com/google/gops/agent"
	"github.com/scott-cotton/cli"

	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/server"
)

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	_, err := cfg.Serve.Parse(cc, args)
	if err != nil {
		return err
	}

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			fmt.Fprintf(cc.Out, "gops agent failed: %v\n", err)
		} else {
			defer agent.Close()
		}
	}

	serverConfig := server.DefaultConfig()
	if cfg.ConfigFile != "" {
		serverConfig, err = server.LoadConfig(cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if cfg.Listen != "" {
		serverConfig.Listen = cfg.Listen
	}
	if cfg.TCP != "" {
		serverConfig.TCP = cfg.TCP
	}
	if cfg.DataDir != "" {
		serverConfig.DataDir = cfg.DataDir
	}
	if cfg.Policy != "" {
		p, err := authz.ParsePolicy(cfg.Policy)
		if err != nil {
			return fmt.Errorf("%w: %w", cli.ErrUsage, err)
		}
		serverConfig.DefaultPolicy = p
	}

	srv, err := server.New(&server.Spec{Config: serverConfig})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	fmt.Fprintf(cc.Out, "livetree listening on %s\n", serverConfig.Listen)
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cc.Out, "livetree stopped at seq %d\n", srv.Engine().Seq())
	return nil
}
