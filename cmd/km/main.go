// Command km runs a single ELF64 payload inside the monitor's
// hypervisor guest (spec §1). Flag surface grounded on
// kata-containers/src/runtime's urfave/cli-based cmd/kata-runtime.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/chandlercord/km/internal/elfload"
	"github.com/chandlercord/km/internal/machine"
)

var log = logrus.New().WithField("source", "km")

func main() {
	app := &cli.App{
		Name:      "km",
		Usage:     "run an ELF64 payload in a userspace hypervisor guest",
		ArgsUsage: "PAYLOAD -- [payload args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "trace",
				Usage: "comma-separated trace categories (e.g. hc,vcpu,mem); logged at debug level, no tracing is performed",
			},
			&cli.IntFlag{
				Name:  "gdb-port",
				Usage: "gdb remote-serial TCP port; logged at debug level, nothing listens on it",
			},
			&cli.StringFlag{
				Name:  "snapshot-label",
				Usage: "snapshot label; accepted and unused",
			},
			&cli.StringFlag{
				Name:  "coredump",
				Usage: "core dump path; accepted and unused, no core dump is written",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug-level logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("km failed")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := c.Args().Slice()
	if len(args) == 0 {
		return cli.Exit("km: missing PAYLOAD argument", 2)
	}
	payload := args[0]
	payloadArgv := args // argv[0] is conventionally the program name itself.

	if err := elfload.Stat(payload); err != nil {
		return cli.Exit(fmt.Sprintf("km: %s: %v", payload, err), 2)
	}

	// trace/gdb-port/snapshot-label/coredump are accepted but have no
	// runtime effect: the core hypercall/vcpu/memmgr packages have no
	// tracing, GDB stub, snapshot I/O or core dump implementation (spec
	// §1 scopes those to collaborators outside the core's Non-goals
	// boundary). Only trace and gdb-port are logged, at debug level.
	if trace := c.String("trace"); trace != "" {
		log.WithField("categories", trace).Debug("trace categories requested (not yet implemented)")
	}
	if port := c.Int("gdb-port"); port != 0 {
		log.WithField("port", port).Debug("gdb listen port requested (not yet implemented)")
	}

	m, err := machine.New(log)
	if err != nil {
		return cli.Exit(fmt.Sprintf("km: %v", err), 1)
	}
	defer m.Close()

	status, err := m.Run(machine.Config{
		PayloadPath: payload,
		Argv:        payloadArgv,
		Envp:        os.Environ(),
		Log:         log,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("km: %v", err), 1)
	}

	os.Exit(int(status))
	return nil
}
