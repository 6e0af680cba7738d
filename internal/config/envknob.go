package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides mirrors the teacher's envknob package: a thin reader
// over os.Getenv that lets an operator tune the running daemon without a
// config file. Unset or unparsable values are left at their defaults.
func applyEnvOverrides(c *Config) {
	if d, ok := getDuration("CORE_FLOW_DEL_WAIT"); ok {
		c.FlowDelWait = d
	}
	if d, ok := getDuration("CORE_UNBOUND_FLOW_TIMEOUT"); ok {
		c.UnboundFlowTimeout = d
	}
	if d, ok := getDuration("CORE_UIPCP_WAIT_TIMEOUT"); ok {
		c.UipcpWaitTimeout = d
	}
	if n, ok := getInt("CORE_UPQUEUE_BYTE_BUDGET"); ok {
		c.UpqueueByteBudget = n
	}
	if d, ok := getDuration("CORE_UPQUEUE_APPEND_TIMEOUT"); ok {
		c.UpqueueAppendTimeout = d
	}
	if n, ok := getInt("CORE_MAX_CWQ_LEN"); ok {
		c.MaxCWQLen = n
	}
	if n, ok := getInt("CORE_MAX_RTXQ_LEN"); ok {
		c.MaxRTXQLen = n
	}
}

func getInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getDuration(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
