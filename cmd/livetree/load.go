package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/scott-cotton/cli"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/client"
	"github.com/signadot/livetree/system/treed/server"
	"github.com/signadot/livetree/system/treed/storage"
)

func load(cfg *LoadConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Load.Parse(cc, args)
	if err != nil {
		cfg.Load.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: load requires a path", cli.ErrUsage)
	}
	path, files := args[0], args[1:]
	if len(files) == 0 {
		files = []string{"-"}
	}
	var vals []*ir.Node
	for _, f := range files {
		var d []byte
		if f == "-" {
			d, err = io.ReadAll(cc.In)
		} else {
			d, err = os.ReadFile(f)
		}
		if err != nil {
			return err
		}
		v, err := cfg.decode(d)
		if err != nil {
			return fmt.Errorf("error decoding %s: %w", f, err)
		}
		vals = append(vals, v)
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		for i, v := range vals {
			if !cfg.Update {
				if err := c.Set(ctx, path, v); err != nil {
					return fmt.Errorf("error loading %s: %w", files[i], err)
				}
				continue
			}
			rejected, err := c.Update(ctx, path, v)
			if err != nil {
				return fmt.Errorf("error loading %s: %w", files[i], err)
			}
			for _, p := range rejected {
				fmt.Fprintf(cc.Out, "%s: rejected %s\n", files[i], p)
			}
		}
		return nil
	})
}

func dump(cfg *DumpConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Dump.Parse(cc, args)
	if err != nil {
		cfg.Dump.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	path := "/"
	switch len(args) {
	case 0:
	case 1:
		path = args[0]
	default:
		return fmt.Errorf("%w: dump takes at most one path", cli.ErrUsage)
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		v, err := c.Get(ctx, path)
		if err != nil {
			return err
		}
		return cfg.writeValue(cc.Out, v)
	})
}

// snapshot reads the mirror file directly, so the server must be
// stopped.
func snapshot(cfg *SnapshotConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Snapshot.Parse(cc, args)
	if err != nil {
		cfg.Snapshot.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("%w: -data is required", cli.ErrUsage)
	}
	serverConfig := &server.Config{DataDir: cfg.DataDir}
	m, err := storage.OpenMirror(serverConfig.MirrorFile(), storage.DefaultMirrorConfig(), nil)
	if err != nil {
		return err
	}
	defer m.Close()

	if len(args) == 0 {
		commits, err := m.ListSnapshots()
		if err != nil {
			return err
		}
		for _, c := range commits {
			snap, err := m.ReadSnapshot(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cc.Out, "%d\t%s\n", snap.CommitCount, snap.Timestamp)
		}
		return nil
	}
	commit, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad commit %q", cli.ErrUsage, args[0])
	}
	commit, err = m.FindNearestSnapshot(commit)
	if err != nil {
		return err
	}
	snap, err := m.ReadSnapshot(commit)
	if err != nil {
		return err
	}
	return cfg.writeValue(cc.Out, snap.State)
}
