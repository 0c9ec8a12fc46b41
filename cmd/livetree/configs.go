package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/scott-cotton/cli"

	"github.com/signadot/livetree/system/treed/client"
)

type MainConfig struct {
	Addr     string `cli:"name=addr desc='server WebSocket url' default=ws://localhost:9000/.ws"`
	Token    string `cli:"name=token desc='authentication token'"`
	User     string `cli:"name=user desc='authenticate as this user'"`
	Password string `cli:"name=password desc='password of -user'"`
	Timeout  int    `cli:"name=timeout desc='request timeout in seconds' default=10"`

	Color   bool `cli:"name=color desc='output with color'"`
	NoColor bool `cli:"name=nocolor desc='output without color'"`
	Y       bool `cli:"name=y aliases=yaml desc='do i/o in yaml'"`

	Main *cli.Command
}

// useColor reports whether output to w is colored: -color and -nocolor
// win, otherwise terminals get color.
func (cfg *MainConfig) useColor(w io.Writer) bool {
	switch {
	case cfg.NoColor:
		return false
	case cfg.Color:
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (cfg *MainConfig) timeout() time.Duration {
	if cfg.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cfg.Timeout) * time.Second
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dial connects to the server and authenticates if asked to.
func (cfg *MainConfig) dial(ctx context.Context) (*client.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	c, err := client.Dial(dctx, cfg.Addr, client.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Token != "":
		_, err = c.AuthenticateToken(dctx, cfg.Token)
	case cfg.User != "":
		_, err = c.Authenticate(dctx, cfg.User, cfg.Password)
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return c, nil
}

type ServeConfig struct {
	*MainConfig
	ConfigFile string `cli:"name=config desc='configuration file (yaml or json)'"`
	Listen     string `cli:"name=listen desc='HTTP listen address, overrides the config file'"`
	TCP        string `cli:"name=tcp desc='JSON lines listen address, overrides the config file'"`
	DataDir    string `cli:"name=data desc='directory of the durable mirror, overrides the config file'"`
	Policy     string `cli:"name=policy desc='default policy when no rule applies: open or closed'"`
	Gops       bool   `cli:"name=gops desc='start a gops agent'"`

	Serve *cli.Command
}

type GetConfig struct {
	*MainConfig
	Get *cli.Command
}

type SetConfig struct {
	*MainConfig
	Priority string `cli:"name=priority desc='priority of the written node'"`
	File     string `cli:"name=f desc='read the value from a file, - for stdin'"`
	Set      *cli.Command
}

type UpdateConfig struct {
	*MainConfig
	File   string `cli:"name=f desc='read the value from a file, - for stdin'"`
	Update *cli.Command
}

type PushConfig struct {
	*MainConfig
	Name string `cli:"name=name desc='child name, default generated'"`
	File string `cli:"name=f desc='read the value from a file, - for stdin'"`
	Push *cli.Command
}

type DeleteConfig struct {
	*MainConfig
	Delete *cli.Command
}

type WatchConfig struct {
	*MainConfig
	Events string `cli:"name=events desc='comma separated event types' default=value"`
	Diff   bool   `cli:"name=diff desc='show value events as a diff against the previous one'"`
	Watch  *cli.Command
}

type QueryConfig struct {
	*MainConfig
	Query *cli.Command
}

type LoadConfig struct {
	*MainConfig
	Update bool `cli:"name=update desc='merge into the existing value instead of replacing it'"`
	Load   *cli.Command
}

type DumpConfig struct {
	*MainConfig
	Dump *cli.Command
}

type SnapshotConfig struct {
	*MainConfig
	DataDir  string `cli:"name=data desc='directory of the durable mirror'"`
	Snapshot *cli.Command
}
