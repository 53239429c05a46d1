package internal

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	DefaultAppName = "bds"
	// DefaultConfigPath is the default directory searched for config.yaml
	DefaultConfigPath = filepath.Join(getHomeDir(), ".config", DefaultAppName)

	// Default pipeline locations
	DefaultDataPath   = filepath.Join("data", "comments.csv")
	DefaultOutputDir  = "bds_sentiment_model"
	DefaultLogDir     = "logs"
	DefaultTextColumn = "Comment"
	DefaultLabelCol   = "Sentiment"

	// Default hub settings
	DefaultHubEndpoint      = "https://huggingface.co"
	DefaultHubRepo          = "bds-sentiment"
	DefaultHubCommitMessage = "Upload fine-tuned sentiment model"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current working directory if home directory is unavailable
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
