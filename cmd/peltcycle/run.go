package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tvaclab/peltcycle/pkg/daemon"
	"github.com/tvaclab/peltcycle/pkg/version"
)

var (
	// alwaysAllowNonRootAccess lets non-root users talk to the run socket
	// regardless of the config file setting.
	alwaysAllowNonRootAccess = false
)

// NewRunCommand .
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Start a conditioning run in the foreground",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("peltcycle run starting")
			return daemon.Run(configPath, unixSocketPath, alwaysAllowNonRootAccess)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&alwaysAllowNonRootAccess, "allow-non-root-access", false,
		"Always allow non-root users to access the run daemon.")

	return cmd
}
