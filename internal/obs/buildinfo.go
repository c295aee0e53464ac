package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "famsave",
			Name:      "build_info",
			Help:      "Always 1; labels identify the running famsave-api build.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes famsave_build_info for this binary. Calling it
// again replaces the previous series.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
