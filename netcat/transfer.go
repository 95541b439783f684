package netcat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"tether/util"
)

// execWaitDelay bounds how long a finished child's output copy may
// outlive it.
const execWaitDelay = time.Second

// handleExec wires a connection to a child process's stdio.  Input is
// copied by hand so the blocking socket read can be ended with a
// read-side shutdown once the child exits.
func (nc *NetCat) handleExec(ctx context.Context, conn *fdConn) error {
	var cmd *exec.Cmd
	switch {
	case nc.Config.Command != "":
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", nc.Config.Command)
	case nc.Config.Execute != "":
		cmd = exec.CommandContext(ctx, nc.Config.Execute)
	default:
		return fmt.Errorf("no command specified for exec mode")
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	cmd.Stdout = conn
	cmd.Stderr = conn
	cmd.WaitDelay = execWaitDelay

	nc.Logger.Debug("exec: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}

	fed := make(chan struct{})
	go func() {
		defer close(fed)
		buf := util.GetBuf()
		defer util.PutBuf(buf)
		io.CopyBuffer(stdin, conn, *buf) //nolint:errcheck
		stdin.Close()
	}()

	err = cmd.Wait()
	conn.CloseRead() //nolint:errcheck
	<-fed
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	return nil
}
