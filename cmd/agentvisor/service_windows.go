//go:build windows

package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
)

const serviceName = "DatadogAgent"

// runAsService hands control to the service manager when the process was
// started by it. run receives a context cancelled on Stop or Shutdown.
func runAsService(run func(context.Context) error) (bool, error) {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false, fmt.Errorf("detect service mode: %w", err)
	}
	if !isService {
		return false, nil
	}
	elog, err := eventlog.Open(serviceName)
	if err != nil {
		elog = nil
	}
	h := &agentService{run: run, elog: elog}
	defer h.closeLog()
	return true, svc.Run(serviceName, h)
}

type agentService struct {
	run  func(context.Context) error
	elog *eventlog.Log
}

func (s *agentService) Execute(_ []string, req <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	s.logInfo(serviceName + " service started")
	changes <- svc.Status{State: svc.Running, Accepts: accepted}

	for {
		select {
		case err := <-done:
			changes <- svc.Status{State: svc.StopPending}
			return s.finish(err)
		case c := <-req:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				return s.finish(<-done)
			}
		}
	}
}

func (s *agentService) finish(err error) (bool, uint32) {
	if err != nil {
		s.logError(err.Error())
		return true, 1
	}
	s.logInfo(serviceName + " service stopped")
	return false, 0
}

func (s *agentService) logInfo(msg string) {
	slog.Info(msg)
	if s.elog != nil {
		_ = s.elog.Info(1, msg)
	}
}

func (s *agentService) logError(msg string) {
	slog.Error(msg)
	if s.elog != nil {
		_ = s.elog.Error(1, msg)
	}
}

func (s *agentService) closeLog() {
	if s.elog != nil {
		_ = s.elog.Close()
	}
}

// The service manager reports state itself; systemd notifications do not apply.
func notifyReady(*slog.Logger)    {}
func notifyStopping(*slog.Logger) {}
