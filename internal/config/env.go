package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// prefixed returns the trimmed value of MAILBRIDGE_<name>.
func prefixed(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + "_" + name))
}

// Bool reads key as "true" or "false" in any case. Unset and unrecognised
// values yield def.
func Bool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true":
		return true
	case "false":
		return false
	}
	return def
}

// QueueWorkers returns the default number of batches handled concurrently:
// MAILBRIDGE_QUEUE_WORKERS when it is a positive integer, else the number of
// logical CPUs.
func QueueWorkers() int {
	if n, err := strconv.Atoi(prefixed("QUEUE_WORKERS")); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
