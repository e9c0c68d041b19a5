package opshttp

import (
	"net/http"

	"github.com/keithlinneman/topupstore/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Handlers mounts extra operator endpoints by path, such as the active
	// proof rules. They sit behind the same private-network guard.
	Handlers map[string]http.Handler

	UseRecoverMW bool
	// OnPanic runs after a recovered panic, main counts them
	OnPanic func()
}
