package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "qotdbot/pkg/logx"
)

// sdNotify reports state to systemd when NOTIFY_SOCKET is set and is a
// no-op otherwise.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func sdStatus(log logx.Logger, status string) {
	sdNotify(log, "STATUS="+status)
}
