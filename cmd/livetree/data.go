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
)

func get(cfg *GetConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Get.Parse(cc, args)
	if err != nil {
		cfg.Get.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: get requires one argument, a path", cli.ErrUsage)
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		v, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return cfg.writeValue(cc.Out, v)
	})
}

func set(cfg *SetConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Set.Parse(cc, args)
	if err != nil {
		cfg.Set.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	path, v, err := pathAndValue(cfg.MainConfig, cc, args, cfg.File)
	if err != nil {
		return err
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		if cfg.Priority == "" {
			return c.Set(ctx, path, v)
		}
		prio, err := strconv.ParseFloat(cfg.Priority, 64)
		if err != nil {
			return fmt.Errorf("%w: bad priority %q", cli.ErrUsage, cfg.Priority)
		}
		return c.SetWithPriority(ctx, path, v, prio)
	})
}

func update(cfg *UpdateConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Update.Parse(cc, args)
	if err != nil {
		cfg.Update.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	path, v, err := pathAndValue(cfg.MainConfig, cc, args, cfg.File)
	if err != nil {
		return err
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		rejected, err := c.Update(ctx, path, v)
		if err != nil {
			return err
		}
		for _, p := range rejected {
			fmt.Fprintf(cc.Out, "rejected %s\n", p)
		}
		return nil
	})
}

func push(cfg *PushConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Push.Parse(cc, args)
	if err != nil {
		cfg.Push.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	path, v, err := pathAndValue(cfg.MainConfig, cc, args, cfg.File)
	if err != nil {
		return err
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		res, err := c.Push(ctx, path, cfg.Name, v)
		if err != nil {
			return err
		}
		fmt.Fprintln(cc.Out, res.Path)
		return nil
	})
}

func del(cfg *DeleteConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Delete.Parse(cc, args)
	if err != nil {
		cfg.Delete.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: delete requires one argument, a path", cli.ErrUsage)
	}
	return withClient(cfg.MainConfig, func(ctx context.Context, c *client.Client) error {
		return c.Delete(ctx, args[0])
	})
}

// pathAndValue reads "<path> [value]", taking the value from file when
// given.
func pathAndValue(cfg *MainConfig, cc *cli.Context, args []string, file string) (string, *ir.Node, error) {
	switch {
	case file != "" && len(args) == 1:
		var (
			d   []byte
			err error
		)
		if file == "-" {
			d, err = io.ReadAll(cc.In)
		} else {
			d, err = os.ReadFile(file)
		}
		if err != nil {
			return "", nil, err
		}
		v, err := cfg.decode(d)
		if err != nil {
			return "", nil, fmt.Errorf("error decoding %s: %w", file, err)
		}
		return args[0], v, nil
	case file == "" && len(args) == 2:
		v, err := cfg.decode([]byte(args[1]))
		if err != nil {
			// a bare word is a string
			v = ir.FromString(args[1])
		}
		return args[0], v, nil
	}
	return "", nil, fmt.Errorf("%w: expected a path and a value", cli.ErrUsage)
}
