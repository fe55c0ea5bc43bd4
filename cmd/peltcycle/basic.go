package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tvaclab/peltcycle/pkg/client"
	"github.com/tvaclab/peltcycle/pkg/version"
)

// NewAckCommand .
func NewAckCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ack",
		Short:   "Acknowledge a waiting operator checkpoint",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, _ []string) error {
			c := client.NewClient(unixSocketPath)
			ret, err := c.AckCheckpoint()
			if err != nil {
				return err
			}
			fmt.Println(ret)
			return nil
		},
	}
}

// NewAbortCommand .
func NewAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "abort",
		Short:   "Abort the current conditioning run at the next safe point",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			c := client.NewClient(unixSocketPath)
			ret, err := c.Abort()
			if err != nil {
				return err
			}
			fmt.Println(ret)
			return nil
		},
	}
}

// NewVersionCommand .
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print client and daemon versions",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("client: %s (%s)\n", version.Version, version.GitCommit)

			c := client.NewClient(unixSocketPath)
			if v, err := c.GetVersion(); err == nil {
				fmt.Printf("daemon: %s\n", v)
			}
			return nil
		},
	}
}
