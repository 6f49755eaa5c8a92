package api

import (
	"log"
	"os"
	"strings"
)

var apiDebugEnabled = strings.EqualFold(os.Getenv("EDGECOPILOT_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if apiDebugEnabled {
		log.Printf(format, args...)
	}
}
