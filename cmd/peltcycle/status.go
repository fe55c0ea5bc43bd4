package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tvaclab/peltcycle/pkg/client"
	"github.com/tvaclab/peltcycle/pkg/cycle"
)

// NewStatusCommand .
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show the progress of the current conditioning run",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, _ []string) error {
			c := client.NewClient(unixSocketPath)
			st, err := c.GetStatus()
			if err != nil {
				return err
			}

			bold := color.New(color.Bold)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)
			red := color.New(color.FgRed)

			bold.Printf("Cycles: ")
			fmt.Printf("%d/%d completed\n", st.Completed, st.Target)

			bold.Printf("Phase:  ")
			switch {
			case st.Finished:
				green.Println("conditioning complete")
			case st.Phase == cycle.PhaseIdle:
				fmt.Println("not started")
			default:
				fmt.Printf("cycle %d, %s\n", st.CurrentCycle, st.Phase)
			}

			if !st.StartedAt.IsZero() {
				bold.Printf("Uptime: ")
				fmt.Println(time.Since(st.StartedAt).Round(time.Second))
			}

			if st.CheckpointPending {
				yellow.Println("\nOperator checkpoint is waiting:")
				fmt.Println("  " + st.CheckpointMessage)
				fmt.Println("  Acknowledge with 'peltcycle ack' when measurements are done.")
			}

			if st.LastError != "" {
				red.Println("\nLast error:")
				fmt.Println("  " + st.LastError)
			}

			return nil
		},
	}
}
