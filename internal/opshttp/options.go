package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs after a recovered handler panic, e.g. to count it.
	OnPanic func()
}
