// Package netcat implements the connect / listen / scan modes.  Every
// socket is opened through the interception layer, so the same run
// talks to local or remote peers depending on the redirection filters.
package netcat

import (
	"context"
	"io"
	"os"

	"tether/config"
	"tether/layer"
	"tether/util"
)

// NetCat orchestrates a single session.
type NetCat struct {
	Config *config.Config
	Layer  *layer.Layer
	Logger *util.Logger

	Stdin  io.Reader
	Stdout io.Writer
}

// New returns a NetCat wired to the process's stdio.
func New(cfg *config.Config, l *layer.Layer, logger *util.Logger) *NetCat {
	return &NetCat{
		Config: cfg,
		Layer:  l,
		Logger: logger,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	}
}

// Run dispatches to the configured mode.
func (nc *NetCat) Run(ctx context.Context) error {
	switch {
	case nc.Config.Listen:
		return nc.handleServer(ctx)
	case nc.Config.ZeroIO:
		return nc.handleScan(ctx)
	default:
		return nc.handleClient(ctx)
	}
}
