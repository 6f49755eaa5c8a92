package run

import (
	"log"
	"os"
	"strings"
)

var runDebugEnabled = strings.EqualFold(os.Getenv("EDGECOPILOT_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if runDebugEnabled {
		log.Printf(format, args...)
	}
}
