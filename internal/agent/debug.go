package agent

import (
	"log"
	"os"
	"strings"
)

var agentDebugEnabled = strings.EqualFold(os.Getenv("EDGECOPILOT_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if agentDebugEnabled {
		log.Printf(format, args...)
	}
}
