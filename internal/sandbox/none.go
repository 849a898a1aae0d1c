// none.go implements the no-isolation sandbox: commands run on the host.
package sandbox

import (
	"context"

	"go.uber.org/zap"
)

// noneSandbox provides no isolation. It exists so the rest of the system can
// treat every session uniformly; commands are routed to the host.
type noneSandbox struct {
	name  string
	log   *zap.SugaredLogger
	state string
}

func newNoneSandbox(sessionID string, log *zap.SugaredLogger) *noneSandbox {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return &noneSandbox{name: "host-" + short, log: log, state: StateStopped}
}

func (n *noneSandbox) Name() string         { return n.name }
func (n *noneSandbox) State() string        { return n.state }
func (n *noneSandbox) AllowsHostExec() bool { return true }

func (n *noneSandbox) Start(ctx context.Context) error {
	n.state = StateRunning
	return nil
}

// Execute is never called when AllowsHostExec is true; the router runs the
// command on the host instead.
func (n *noneSandbox) Execute(ctx context.Context, command string) (*ExecResult, error) {
	return hostExec(ctx, command)
}

func (n *noneSandbox) Stop(ctx context.Context) {
	n.state = StateStopped
}
