package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wpcall/wpcall/internals/callclient"
	"github.com/wpcall/wpcall/internals/config"
	"github.com/wpcall/wpcall/internals/utils"
)

var (
	flagJoinRoom   string
	flagJoinToken  string
	flagJoinAudio  bool
	flagJoinScreen bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a call room",
	Long: `Join a room as a headless endpoint. Local media is read as RTP from
the configured UDP ports, e.g. fed by ffmpeg:

  ffmpeg -f pulse -i default -c:a libopus -f rtp rtp://127.0.0.1:5004
  ffmpeg -f v4l2 -i /dev/video0 -c:v libvpx -f rtp rtp://127.0.0.1:5006

The call runs until the peer hangs up, the connection fails or the
process is interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
		logger := utils.GetLogger()

		// Check the room before touching any device.
		st, err := roomStatus(flagServer, flagJoinRoom)
		if err != nil {
			return err
		}
		if !st.Valid {
			return fmt.Errorf("room %s is expired or does not exist", flagJoinRoom)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		call, err := callclient.Dial(ctx, callclient.Options{
			ServerURL: flagServer,
			RoomID:    flagJoinRoom,
			Token:     flagJoinToken,
			AudioOnly: flagJoinAudio,
			Config:    cfg,
			Logger:    logger,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Joined room %s as %s\n", flagJoinRoom, call.SessionID())
		if call.Initiator() {
			fmt.Println("Waiting for the other participant...")
		}

		if flagJoinScreen && !flagJoinAudio {
			if err := call.StartScreenShare(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "Screen share unavailable:", err)
			}
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigChan:
			fmt.Println("Hanging up")
			call.Hangup()
			<-call.Done()
		case <-call.Done():
		}

		fmt.Printf("Call ended: %s\n", call.Reason())
		return nil
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagJoinRoom, "room", "", "Room id")
	joinCmd.Flags().StringVar(&flagJoinToken, "token", "", "Shared room token")
	joinCmd.Flags().BoolVar(&flagJoinAudio, "audio-only", false, "Join without camera video")
	joinCmd.Flags().BoolVar(&flagJoinScreen, "screen-share", false, "Start sharing the screen capture once connected")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(joinCmd)
}
