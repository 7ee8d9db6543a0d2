// Command LeadFlow runs the WhatsApp conversation flow engine.
package main

import (
	"os"
)

func main() {
	loadDotEnv()
	config := loadEnvironmentConfig()
	if err := newRootCmd(&config).Execute(); err != nil {
		os.Exit(1)
	}
}
