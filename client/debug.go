package client

import (
	"log"
	"os"
	"strings"
)

var clientDebugEnabled = strings.EqualFold(os.Getenv("EDGECOPILOT_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if clientDebugEnabled {
		log.Printf(format, args...)
	}
}
