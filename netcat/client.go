package netcat

import (
	"context"
	"fmt"

	"tether/util"
)

// handleClient runs the connect (client) mode.
func (nc *NetCat) handleClient(ctx context.Context) error {
	if err := util.CheckNumeric(nc.Config.Host, nc.Config.NoDNS); err != nil {
		return err
	}

	network := "tcp"
	if nc.Config.UDP {
		network = "udp"
	}
	addr := util.FormatAddr(nc.Config.Host, nc.Config.Port)
	nc.Logger.Verbose("connecting to %s (%s)", addr, network)

	conn, err := nc.dial(ctx, network, nc.Config.Host, nc.Config.Port)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if d, ok := nc.Layer.Descriptor(conn.fd); ok && d.Remote() {
		nc.Logger.Verbose("connected to %s through the agent", addr)
	} else {
		nc.Logger.Verbose("connected to %s", addr)
	}

	if nc.Config.Execute != "" || nc.Config.Command != "" {
		return nc.handleExec(ctx, conn)
	}
	return util.BidirectionalCopy(ctx, conn, nc.Stdin, nc.Stdout)
}
