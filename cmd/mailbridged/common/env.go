/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	DefaultEnvConfigFile = os.Getenv("MAILBRIDGED_DEFAULT_ENV_CONFIG")
)

// ApplyFlagsFromEnvFile sets all flags of cmd which were not given on the
// command line from the env config file. Flag names map to env names with
// dashes replaced by underscores unless mapping says otherwise.
func ApplyFlagsFromEnvFile(cmd *cobra.Command, mapping map[string]string) error {
	if DefaultEnvConfigFile == "" {
		return nil
	}

	envConfigFile, err := filepath.Abs(DefaultEnvConfigFile)
	if err != nil {
		return fmt.Errorf("invalid env-config path: %w", err)
	}

	var envConfig map[string]string
	envConfig, err = godotenv.Read(strings.Split(envConfigFile, ":")...)
	if err != nil {
		return fmt.Errorf("env-config read error: %w", err)
	}

	if mapping == nil {
		mapping = make(map[string]string)
		cmd.Flags().VisitAll(func(flag *pflag.Flag) {
			switch {
			case flag.Changed:
			case flag.Name == "help", flag.Name == "env-config":
			default:
				mapping[flag.Name] = "" // Add without value, will auto generate below.
			}
		})
	}

	// Support setting values from config file if they are not set explicitly via flags.
	for flagName, envName := range mapping {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil || flag.Changed {
			continue
		}

		sliceValue, isSlice := flag.Value.(pflag.SliceValue)

		if envName == "" {
			envName = strings.ReplaceAll(flagName, "-", "_")
			if isSlice {
				envName += "s"
			}
		}
		if v, ok := envConfig[envName]; ok {
			if isSlice {
				err = sliceValue.Replace(strings.Split(v, " "))
			} else {
				err = flag.Value.Set(v)
			}
			if err != nil {
				return fmt.Errorf("failed to apply %v config: %w", envName, err)
			}
		}
	}

	return nil
}
