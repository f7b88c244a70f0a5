package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/config"
	"github.com/wpcall/wpcall/internals/gateway"
	"github.com/wpcall/wpcall/internals/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Start the relay that owns rooms: it answers the room management API
and moves signaling frames between the two members of each room.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
		logger := utils.GetLogger()
		logger.Info("Starting signaling relay")

		server, err := gateway.NewServer(cfg)
		if err != nil {
			logger.Fatal("Failed to create server", zap.Error(err))
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			if err := server.Start(); err != nil {
				logger.Fatal("Failed to start server", zap.Error(err))
			}
		}()

		<-sigChan
		logger.Info("Received shutdown signal")

		server.Stop()
		logger.Info("Relay stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
