//go:build !windows

package main

import (
	"context"
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyReady tells systemd (Type=notify) that the workers are being started.
// Outside systemd NOTIFY_SOCKET is unset and this is a no-op.
func notifyReady(log *slog.Logger) {
	sdNotify(log, daemon.SdNotifyReady+"\nSTATUS=supervising agent processes")
}

func notifyStopping(log *slog.Logger) {
	sdNotify(log, daemon.SdNotifyStopping+"\nSTATUS=stopping agent processes")
}

func sdNotify(log *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", "error", err)
		return
	}
	if sent {
		log.Debug("sd_notify sent", "state", state)
	}
}

// runAsService is only meaningful under the Windows service manager.
func runAsService(func(context.Context) error) (bool, error) { return false, nil }
