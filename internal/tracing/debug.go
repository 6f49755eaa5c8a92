package tracing

import (
	"log"
	"os"
	"strings"
)

var traceDebugEnabled = strings.EqualFold(os.Getenv("EDGECOPILOT_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if traceDebugEnabled {
		log.Printf(format, args...)
	}
}
