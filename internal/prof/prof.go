// Package prof pushes continuous profiles to Pyroscope.
package prof

import (
	"context"
	"net/url"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string

	// 0 leaves the runtime default (off)
	ProfileMutexFraction int
	BlockProfileRate     int
}

// Start begins profiling and returns its stop func. The stop func is safe to
// call when profiling is disabled or failed to start.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		return func() {}, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "pyroscope start %s", opts.ServerAddress)
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	return func() {
		_ = profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}

func buildConfig(opts Options) (pyroscope.Config, error) {
	u, err := url.Parse(opts.ServerAddress)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return pyroscope.Config{}, xerrors.Newf("invalid pyroscope server address %q", opts.ServerAddress)
	}
	if opts.AppName == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope application name is required")
	}

	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	}
	if opts.ProfileMutexFraction > 0 {
		cfg.ProfileTypes = append(cfg.ProfileTypes, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		cfg.ProfileTypes = append(cfg.ProfileTypes, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return cfg, nil
}
