package main

import (
	"fmt"

	"github.com/scott-cotton/cli"
)

func MainCommand() *cli.Command {
	cfg := &MainConfig{Addr: "ws://localhost:9000/.ws", Timeout: 10}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "livetree").
		WithSynopsis("livetree [opts] command [opts]").
		WithDescription("livetree is a realtime JSON tree database.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return livetreeMain(cfg, cc, args)
		}).
		WithSubs(
			ServeCommand(cfg),
			GetCommand(cfg),
			SetCommand(cfg),
			UpdateCommand(cfg),
			PushCommand(cfg),
			DeleteCommand(cfg),
			WatchCommand(cfg),
			QueryCommand(cfg),
			LoadCommand(cfg),
			DumpCommand(cfg),
			SnapshotCommand(cfg))
}

func livetreeMain(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		cfg.Main.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", cli.ErrUsage)
	}
	return fmt.Errorf("%w: unknown command %q", cli.ErrUsage, args[0])
}

func ServeCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithSynopsis("serve [-config file] [-listen addr] [-tcp addr] [-data dir] [-policy open|closed] [-gops]").
		WithDescription("run the livetree server").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

func GetCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &GetConfig{MainConfig: mainCfg}
	cmd := cli.NewCommand("get").
		WithAliases("g").
		WithSynopsis("get <path>").
		WithDescription("print the value at a path").
		WithRun(func(cc *cli.Context, args []string) error {
			return get(cfg, cc, args)
		})
	cfg.Get = cmd
	return cmd
}

func SetCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &SetConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Set, "set").
		WithAliases("s").
		WithSynopsis("set [-priority p] <path> [value | -f file]").
		WithDescription("replace the value at a path").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return set(cfg, cc, args)
		})
}

func UpdateCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &UpdateConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Update, "update").
		WithAliases("u").
		WithSynopsis("update <path> [object | -f file]").
		WithDescription("write the keys of an object below a path").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return update(cfg, cc, args)
		})
}

func PushCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &PushConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Push, "push").
		WithSynopsis("push [-name n] <path> [value | -f file]").
		WithDescription("add a child with a time ordered name").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return push(cfg, cc, args)
		})
}

func DeleteCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &DeleteConfig{MainConfig: mainCfg}
	cmd := cli.NewCommand("delete").
		WithAliases("rm").
		WithSynopsis("delete <path>").
		WithDescription("remove the value at a path").
		WithRun(func(cc *cli.Context, args []string) error {
			return del(cfg, cc, args)
		})
	cfg.Delete = cmd
	return cmd
}

func WatchCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &WatchConfig{MainConfig: mainCfg, Events: "value"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Watch, "watch").
		WithAliases("w").
		WithSynopsis("watch [-events value,child_added,...] [-diff] <path>").
		WithDescription("print events at a path until interrupted").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return watch(cfg, cc, args)
		})
}

func QueryCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &QueryConfig{MainConfig: mainCfg}
	cmd := cli.NewCommand("query").
		WithAliases("q").
		WithSynopsis("query <path> <predicate>").
		WithDescription("print query events for the children of a path matching a predicate, e.g. 'value.age > 30'").
		WithRun(func(cc *cli.Context, args []string) error {
			return query(cfg, cc, args)
		})
	cfg.Query = cmd
	return cmd
}

func LoadCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &LoadConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Load, "load").
		WithSynopsis("load [-y] [-update] <path> [files]").
		WithDescription("write json or yaml files to a path").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return load(cfg, cc, args)
		})
}

func DumpCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &DumpConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Dump, "dump").
		WithSynopsis("dump [-y] <path>").
		WithDescription("write the value at a path as json or yaml").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return dump(cfg, cc, args)
		})
}

func SnapshotCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &SnapshotConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Snapshot, "snapshot").
		WithSynopsis("snapshot -data dir [commit]").
		WithDescription("list the snapshots of a stopped server's mirror, or print one").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return snapshot(cfg, cc, args)
		})
}
