package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Build describes the running binary.
type Build struct {
	Service   string
	Version   string
	Commit    string
	GoVersion string
}

var (
	registerBuildOnce sync.Once

	securityBuild = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "security_build_info",
			Help: "Constant 1, labelled with the security core binary's build.",
		},
		[]string{"service", "version", "commit", "go_version"},
	)
)

// ResolveBuild fills an empty or "dev" commit from the VCS stamp the Go
// toolchain embeds, and records the runtime version.
func ResolveBuild(service, version, commit string) Build {
	b := Build{Service: service, Version: version, Commit: commit, GoVersion: runtime.Version()}
	if b.Commit != "" && b.Commit != "dev" {
		return b
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				b.Commit = s.Value
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	return b
}

// InitBuildInfo publishes security_build_info for the binary and returns the
// resolved build so callers can log it.
func InitBuildInfo(service, version, commit string) Build {
	b := ResolveBuild(service, version, commit)
	registerBuildOnce.Do(func() {
		prometheus.MustRegister(securityBuild)
	})
	securityBuild.WithLabelValues(b.Service, b.Version, b.Commit, b.GoVersion).Set(1)
	return b
}
