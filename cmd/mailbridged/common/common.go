/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailbridge/config"
)

// Default param values shared by all commands.
var (
	DefaultConfigFile   = "/etc/postfix/mailbridge.yml"
	DefaultLogTimestamp = true
	DefaultLogLevel     = "info"
	DefaultVerbose      = false
	DefaultDebug        = false
)

func init() {
	envDefaultConfigFile := os.Getenv("MAILBRIDGED_DEFAULT_CONFIG")
	if envDefaultConfigFile != "" {
		DefaultConfigFile = envDefaultConfigFile
	}
}

// AddPersistentFlags registers the flags shared by all commands on root.
func AddPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVarP(&DefaultConfigFile, "config", "c", DefaultConfigFile, "Full path to YAML configuration file")
	flags.StringVar(&DefaultEnvConfigFile, "env-config", DefaultEnvConfigFile, "Full path to env file providing flag defaults")
	flags.BoolVarP(&DefaultVerbose, "verbose", "v", DefaultVerbose, "More detailed output, same as --log-level=debug")
	flags.BoolVarP(&DefaultDebug, "debug", "d", DefaultDebug, "Dump interrupted LMTP message data")
	flags.BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	flags.StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
}

// Bootstrap applies the env config file, creates the logger and loads the
// mail configuration.
func Bootstrap(cmd *cobra.Command) (logrus.FieldLogger, *config.Config, error) {
	if err := ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return nil, nil, err
	}

	logLevel := DefaultLogLevel
	if DefaultVerbose {
		logLevel = logrus.DebugLevel.String()
	}
	logger, err := NewLogger(!DefaultLogTimestamp, logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, err := config.Load(DefaultConfigFile)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("config", DefaultConfigFile).Debugln("configuration loaded")

	return logger, cfg, nil
}

// NewLogger creates a text logger writing to stderr.
func NewLogger(disableTimestamp bool, logLevelString string) (logrus.FieldLogger, error) {
	logLevel, err := logrus.ParseLevel(logLevelString)
	if err != nil {
		return nil, err
	}

	return &logrus.Logger{
		Out: os.Stderr,
		Formatter: &logrus.TextFormatter{
			DisableTimestamp: disableTimestamp,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logLevel,
	}, nil
}
