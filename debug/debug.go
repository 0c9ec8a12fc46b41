package debug

import (
	"fmt"
	"os"
	"strconv"
)

type debug struct {
	Rules     bool
	Query     bool
	ChangeLog bool
	Wire      bool
	Lock      bool
}

var d *debug

func init() {
	d = &debug{}
	d.Rules = boolEnv("LIVETREE_DEBUG_RULES")
	d.Query = boolEnv("LIVETREE_DEBUG_QUERY")
	d.ChangeLog = boolEnv("LIVETREE_DEBUG_CHANGELOG")
	d.Wire = boolEnv("LIVETREE_DEBUG_WIRE")
	d.Lock = boolEnv("LIVETREE_DEBUG_LOCK")
}

func boolEnv(v string) bool {
	x := os.Getenv(v)
	if x == "" {
		return false
	}
	b, _ := strconv.ParseBool(x)
	return b
}

func Rules() bool {
	return d.Rules
}
func Query() bool {
	return d.Query
}
func ChangeLog() bool {
	return d.ChangeLog
}
func Wire() bool {
	return d.Wire
}
func Lock() bool {
	return d.Lock
}

func Logf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f, args...)
}
