// Command udpdk runs the kernel-bypass UDP transport.
package main

import (
	"bytes"
	"errors"
	"os"

	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/core/yamlflag"
	"github.com/sdrnet/udpdk/mk/version"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var logger = logging.New("main")

var (
	configDoc = map[string]any{}
	config    Config
)

var app = &cli.App{
	Version: version.Get().String(),
	Usage:   "Kernel-bypass UDP/IPv4 transport.",
	Flags: []cli.Flag{
		&cli.GenericFlag{
			Name:     "config",
			Usage:    "configuration `YAML` or @file.yaml",
			Value:    yamlflag.New(&configDoc),
			Required: true,
		},
	},
	Before: func(c *cli.Context) (e error) {
		if len(configDoc) == 0 {
			return errors.New("configuration is empty")
		}
		config, e = parseConfig(configDoc)
		return e
	},
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func main() {
	var uname unix.Utsname
	unix.Uname(&uname)
	logger.Info("udpdk starting",
		zap.Any("version", version.Get()),
		zap.Int("uid", os.Getuid()),
		zap.ByteString("linux", bytes.TrimRight(uname.Release[:], string([]byte{0}))),
	)

	if e := app.Run(os.Args); e != nil {
		logger.Fatal("exit", zap.Error(e))
	}
}
