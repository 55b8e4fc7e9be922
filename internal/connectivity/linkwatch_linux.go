//go:build linux

package connectivity

import (
	"context"

	"github.com/pilebones/go-udev/netlink"
)

// WatchLinks reprobes whenever the kernel reports a network interface being
// added, removed or renamed. It returns when ctx is cancelled. Failure to open
// the netlink socket is logged and leaves the periodic probe in charge.
func (m *Monitor) WatchLinks(ctx context.Context) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		m.logger.Warn("netlink unavailable; relying on periodic probes", "error", err)
		return
	}
	defer conn.Close()

	action := "add|remove|move|change"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "net"},
	})

	events := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(events, errs, rules)
	defer close(quit)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			m.logger.Debug("network link event", "action", string(ev.Action), "kobj", ev.KObj)
			m.Reprobe()
		case err := <-errs:
			m.logger.Warn("netlink monitor error", "error", err)
		}
	}
}
