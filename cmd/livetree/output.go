package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/goccy/go-yaml"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/client"
)

// withClient runs fn against a fresh connection, bounded by the request
// timeout and interrupted by signals.
func withClient(cfg *MainConfig, fn func(context.Context, *client.Client) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.timeout())
	defer cancelTimeout()
	c, err := cfg.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// decode reads json, or yaml with -y.  Key order is kept.
func (cfg *MainConfig) decode(d []byte) (*ir.Node, error) {
	if cfg.Y {
		j, err := yaml.YAMLToJSON(d)
		if err != nil {
			return nil, err
		}
		d = j
	}
	return ir.FromJSON(d)
}

// encode renders v as indented json, or yaml with -y.
func (cfg *MainConfig) encode(v *ir.Node) ([]byte, error) {
	d, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if cfg.Y {
		return yaml.JSONToYAML(d)
	}
	buf := &bytes.Buffer{}
	if err := json.Indent(buf, d, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (cfg *MainConfig) writeValue(w io.Writer, v *ir.Node) error {
	d, err := cfg.encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(d)
	return err
}
