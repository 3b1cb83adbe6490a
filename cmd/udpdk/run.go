package main

import (
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sdrnet/udpdk/mgmt"
	"github.com/sdrnet/udpdk/mgmt/portmgmt"
	"github.com/sdrnet/udpdk/mgmt/socketmgmt"
	"github.com/sdrnet/udpdk/mgmt/versionmgmt"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func init() {
	defineCommand(&cli.Command{
		Name:  "run",
		Usage: "Run the transport and serve management requests until terminated.",
		Action: func(c *cli.Context) (e error) {
			tr, e := openTransport(config)
			if e != nil {
				return cli.Exit(e, 1)
			}

			srv := mgmt.NewServer()
			for _, mg := range []any{
				versionmgmt.VersionMgmt{},
				portmgmt.PortMgmt{Ctx: tr.Ctx},
				portmgmt.WorkerMgmt{Ctx: tr.Ctx},
				socketmgmt.SocketMgmt{Ctx: tr.Ctx},
			} {
				if e := srv.Register(mg); e != nil {
					logger.Panic("mgmt register error", zap.Error(e))
				}
			}
			switch e := srv.Listen(config.Mgmt); {
			case errors.Is(e, mgmt.ErrDisabled):
				logger.Info("management interface disabled")
			case e != nil:
				tr.Close()
				return cli.Exit(e, 1)
			}

			go systemdNotify()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, unix.SIGINT, unix.SIGTERM)
			sig := <-sigc
			logger.Info("shutdown requested by signal", zap.Stringer("signal", sig))
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			e = multierr.Append(srv.Close(), tr.Close())
			if e != nil {
				return cli.Exit(e, 1)
			}
			return nil
		},
	})
}

func systemdNotify() {
	daemon.SdNotify(false, daemon.SdNotifyReady)

	d, e := daemon.SdWatchdogEnabled(false)
	if d == 0 || e != nil {
		logger.Debug("systemd watchdog not configured", zap.Error(e))
		return
	}

	d /= 2
	logger.Debug("systemd watchdog enabled", zap.Duration("duration", d))
	for range time.Tick(d) {
		daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
}
