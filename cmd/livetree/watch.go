package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/scott-cotton/cli"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/client"
)

// printer writes events, one header line and the payload each.
type printer struct {
	cfg  *MainConfig
	w    io.Writer
	diff bool
	last map[string]string

	added, changed, deleted, other, del, ins *color.Color
}

func newPrinter(cfg *MainConfig, w io.Writer, diff bool) *printer {
	p := &printer{
		cfg:     cfg,
		w:       w,
		diff:    diff,
		last:    map[string]string{},
		added:   color.New(color.FgGreen, color.Bold),
		changed: color.New(color.FgYellow, color.Bold),
		deleted: color.New(color.FgRed, color.Bold),
		other:   color.New(color.FgCyan, color.Bold),
		del:     color.New(color.FgRed),
		ins:     color.New(color.FgGreen),
	}
	on := cfg.useColor(w)
	for _, c := range []*color.Color{p.added, p.changed, p.deleted, p.other, p.del, p.ins} {
		if on {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) header(ev *api.Event) *color.Color {
	switch ev.Type {
	case api.EventChildAdded, api.EventQueryChildAdded:
		return p.added
	case api.EventChildChanged, api.EventQueryChildChanged:
		return p.changed
	case api.EventChildDeleted, api.EventQueryChildDeleted:
		return p.deleted
	}
	return p.other
}

func (p *printer) print(ev *api.Event) error {
	where := ev.Path
	if ev.Name != "" && ev.Type != api.EventValue && ev.Type != api.EventCustom {
		where = strings.TrimSuffix(ev.Path, "/") + "/" + ev.Name
	}
	if _, err := p.header(ev).Fprintf(p.w, "%s %s\n", ev.Type, where); err != nil {
		return err
	}
	d, err := p.cfg.encode(ev.Payload)
	if err != nil {
		return err
	}
	text := string(d)
	if !p.diff || ev.Type != api.EventValue {
		_, err = io.WriteString(p.w, text)
		return err
	}
	prev, seen := p.last[ev.Path]
	p.last[ev.Path] = text
	if !seen {
		_, err = io.WriteString(p.w, text)
		return err
	}
	return p.writeDiff(prev, text)
}

// writeDiff prints a line diff of two renderings.
func (p *printer) writeDiff(a, b string) error {
	dmp := diffpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)
	for _, d := range diffs {
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			var err error
			switch d.Type {
			case diffpatch.DiffDelete:
				_, err = p.del.Fprint(p.w, "- "+line)
			case diffpatch.DiffInsert:
				_, err = p.ins.Fprint(p.w, "+ "+line)
			default:
				_, err = fmt.Fprint(p.w, "  "+line)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func watch(cfg *WatchConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Watch.Parse(cc, args)
	if err != nil {
		cfg.Watch.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: watch requires one argument, a path", cli.ErrUsage)
	}
	var types []string
	for _, t := range strings.Split(cfg.Events, ",") {
		t = strings.TrimSpace(t)
		if !api.ValidListenerType(t) {
			return fmt.Errorf("%w: unknown event type %q (want one of %s)", cli.ErrUsage, t, strings.Join(api.ListenerTypes, ", "))
		}
		types = append(types, t)
	}
	return stream(cfg.MainConfig, newPrinter(cfg.MainConfig, cc.Out, cfg.Diff), func(ctx context.Context, c *client.Client) error {
		for _, t := range types {
			if err := c.Listen(ctx, args[0], t); err != nil {
				return err
			}
		}
		return nil
	})
}

func query(cfg *QueryConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Query.Parse(cc, args)
	if err != nil {
		cfg.Query.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 2 {
		return fmt.Errorf("%w: query requires a path and a predicate", cli.ErrUsage)
	}
	return stream(cfg.MainConfig, newPrinter(cfg.MainConfig, cc.Out, false), func(ctx context.Context, c *client.Client) error {
		return c.Query(ctx, args[0], args[1])
	})
}

// stream subscribes with attach and prints events until interrupted or
// disconnected.
func stream(cfg *MainConfig, p *printer, attach func(context.Context, *client.Client) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	c, err := cfg.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	actx, cancelAttach := context.WithTimeout(ctx, cfg.timeout())
	err = attach(actx, c)
	cancelAttach()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			if err := p.print(ev); err != nil {
				return err
			}
		}
	}
}
