package main

import (
	_ "github.com/ClickHouse/clickhouse-go"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/coinsurf-com/compensation/pkg/server"
	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	var config server.Config

	parser := flags.NewParser(&config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := newLogger(config.Debug)

	defaults := pkg.DefaultPlan()
	logger.WithFields(logrus.Fields{
		"package_fee":     defaults.PackageFee.String(),
		"theoretical_max": defaults.TheoreticalMax().String(),
		"root":            config.RootMember,
	}).Info("Starting...")
	defer logger.Info("Stopping...")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(signals)

	if err := server.Listen(signals, &config, logger); err != nil {
		logger.WithError(err).Error("failed to listen")
		os.Exit(1)
	}
}

func newLogger(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	if debug {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   true,
			FullTimestamp: true,
		})
		return logger
	}

	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}
