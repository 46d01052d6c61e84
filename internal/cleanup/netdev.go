package cleanup

import (
	"context"
	"errors"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/xfeldman/cfctl/internal/toolexec"
)

// LinkRemover deletes a network device by name. A missing device is not an
// error.
type LinkRemover interface {
	Remove(ctx context.Context, name string) error
}

// NetlinkRemover deletes links over netlink, falling back to the ip tool
// when netlink itself fails (e.g. a restricted netlink socket).
type NetlinkRemover struct {
	runner toolexec.Runner
	log    *zap.Logger
}

// NewNetlinkRemover returns a NetlinkRemover.
func NewNetlinkRemover(runner toolexec.Runner, log *zap.Logger) *NetlinkRemover {
	return &NetlinkRemover{runner: runner, log: log}
}

// Remove implements LinkRemover.
func (r *NetlinkRemover) Remove(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		r.log.Debug("netlink lookup failed, falling back to ip", zap.String("device", name), zap.Error(err))
		return r.removeWithIP(ctx, name)
	}
	if err := netlink.LinkDel(link); err != nil {
		r.log.Debug("netlink delete failed, falling back to ip", zap.String("device", name), zap.Error(err))
		return r.removeWithIP(ctx, name)
	}
	r.log.Debug("removed network device", zap.String("device", name), zap.String("type", link.Type()))
	return nil
}

func (r *NetlinkRemover) removeWithIP(ctx context.Context, name string) error {
	if _, err := toolexec.Check(ctx, r.runner, "ip", "link", "del", name); err != nil {
		return err
	}
	return nil
}
