package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <room-id>",
	Short: "Show whether a room is open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := roomStatus(flagServer, args[0])
		if err != nil {
			return err
		}

		if !st.Valid {
			fmt.Println("Room is expired or does not exist")
			return nil
		}
		fmt.Printf("Room is open, %d of 2 participants connected\n", st.Participants)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
