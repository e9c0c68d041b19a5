// Package prof pushes continuous profiles to a Pyroscope server and labels
// the CPU-heavy proof pipeline stages so they can be told apart in flame
// graphs.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// sampling rates applied when contention profiling is on
const (
	mutexFraction = 5
	blockRate     = 10_000
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// Contention adds mutex and block profiles. The admission store and
	// the rules manager take locks on every order, so this is off unless
	// someone is chasing lock waits.
	Contention bool
}

// Start begins pushing profiles. The returned stop func is always non-nil
// and safe to call more than once, including after an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "profiling disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("profiling enabled without a server address")
	}

	if opts.Contention {
		runtime.SetMutexProfileFraction(mutexFraction)
		runtime.SetBlockProfileRate(blockRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes(opts.Contention),
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "start profiler for %s", opts.ServerAddress)
	}
	L.Info(ctx, "profiling started", "server_address", opts.ServerAddress, "contention", opts.Contention)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "profiler stop", "err", err)
			}
		})
	}, nil
}

func profileTypes(contention bool) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if contention {
		types = append(types,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		)
	}
	return types
}

// Labeled runs fn with profiler labels attached to the goroutine, so samples
// taken inside it carry key=value. It works whether or not Start was called.
func Labeled(ctx context.Context, key, value string, fn func(context.Context)) {
	pyroscope.TagWrapper(ctx, pyroscope.Labels(key, value), fn)
}
