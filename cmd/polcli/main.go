package main

import (
	"fmt"
	"os"

	"github.com/stackmate/keypolicy/build"
	"github.com/stackmate/keypolicy/descriptor"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/miniscript"
	"github.com/stackmate/keypolicy/policy"
	"github.com/stackmate/keypolicy/wallet"
	"github.com/urfave/cli"
)

const appName = "polcli"

// logRotator is set when --logfile is given and closed once the command
// has run.
var logRotator *build.RotatingLogWriter

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[%s] %v\n", appName, err)
	os.Exit(1)
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "derive keys, compile spending policies and decode " +
		"descriptors"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "debuglevel",
			Value: "off",
			Usage: "Logging level for all subsystems {trace, debug, " +
				"info, warn, error, critical, off} -- You may " +
				"also specify <subsystem>=<level>,<subsystem2>=" +
				"<level>,... to set the log level for " +
				"individual subsystems.",
		},
		cli.StringFlag{
			Name:      "logfile",
			Usage:     "Also write the log to this rotated file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:  "logcompressor",
			Value: build.Gzip,
			Usage: "Compression algorithm for rotated log files " +
				"{gzip, zstd}.",
		},
	}
	app.Before = setupLogging
	app.After = closeLogging
	app.Commands = []cli.Command{
		deriveCommand,
		checkXPubCommand,
		mnemonicCommand,
		compileCommand,
		decodeCommand,
		addressCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

// setupLogging hands every package a logger writing to stderr and, with
// --logfile, to a rotated log file.
func setupLogging(ctx *cli.Context) error {
	cfg := build.DefaultLogConfig()
	cfg.File.Compressor = ctx.GlobalString("logcompressor")
	if err := cfg.Validate(); err != nil {
		return err
	}

	var rotator *build.RotatingLogWriter
	if logFile := ctx.GlobalString("logfile"); logFile != "" {
		rotator = build.NewRotatingLogWriter()
		err := rotator.InitLogRotator(
			cfg.File, wallet.CleanAndExpandPath(logFile),
		)
		if err != nil {
			return err
		}
		logRotator = rotator
	}

	logMgr := build.NewSubLoggerManager(build.NewDefaultHandler(cfg, rotator))
	logMgr.RegisterSubLogger(keychain.Subsystem, keychain.UseLogger)
	logMgr.RegisterSubLogger(policy.Subsystem, policy.UseLogger)
	logMgr.RegisterSubLogger(miniscript.Subsystem, miniscript.UseLogger)
	logMgr.RegisterSubLogger(descriptor.Subsystem, descriptor.UseLogger)
	logMgr.RegisterSubLogger(wallet.Subsystem, wallet.UseLogger)

	return build.ParseAndSetDebugLevels(
		ctx.GlobalString("debuglevel"), logMgr,
	)
}

func closeLogging(_ *cli.Context) error {
	if logRotator == nil {
		return nil
	}

	err := logRotator.Close()
	logRotator = nil

	return err
}
