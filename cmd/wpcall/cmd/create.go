package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagCreateRoom   string
	flagCreateToken  string
	flagCreateExpiry int
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a call room",
	Long: `Register a room on the relay. The room id and token together form
the invitation; share both with the other participant.

Examples:
  wpcall create --token s3cret
  wpcall create --room weekly-sync --token s3cret --expiry 60`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := flagCreateRoom
		if roomID == "" {
			roomID = uuid.NewString()
		}

		resp, err := createRoom(flagServer, roomID, flagCreateToken, flagCreateExpiry)
		if err != nil {
			return err
		}

		fmt.Printf("Room created: %s\n", resp.RoomID)
		fmt.Printf("Join with:    wpcall join --room %s --token <token>\n", resp.RoomID)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&flagCreateRoom, "room", "", "Room id (random when omitted)")
	createCmd.Flags().StringVar(&flagCreateToken, "token", "", "Shared room token")
	createCmd.Flags().IntVar(&flagCreateExpiry, "expiry", 0, "Room lifetime in minutes (server default when 0)")
	_ = createCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(createCmd)
}
