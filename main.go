// main.go
// Application entry point: loads configuration, initializes the logger and
// runs the chat server until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/erilali/chatserver/internal/api"
	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/util"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	host := flag.String("host", "", "TCP listen host (overrides config)")
	port := flag.Int("port", 0, "TCP listen port (overrides config)")
	httpAddr := flag.String("http", "", "WebSocket/health listen address, e.g. :8080 (overrides config)")
	flag.Parse()

	config, err := util.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		config.Host = *host
	}
	if *port != 0 {
		config.Port = *port
	}
	if *httpAddr != "" {
		config.HTTPAddr = *httpAddr
	}
	if err := config.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(config.Log)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"level":       config.Log.Level,
		"log_to_file": config.Log.LogToFile,
		"log_to_json": config.Log.LogToJSON,
		"file_path":   config.Log.FilePath,
	}).Info("Logger configuration details")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.StartServer(ctx, config, serverLogger); err != nil {
		serverLogger.Fatalf("Server error: %v", err)
	}
}
