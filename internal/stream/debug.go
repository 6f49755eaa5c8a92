package stream

import (
	"log"
	"os"
	"strings"
)

var relayDebugEnabled = strings.EqualFold(os.Getenv("EDGECOPILOT_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if relayDebugEnabled {
		log.Printf(format, args...)
	}
}
