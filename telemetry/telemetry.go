// Package telemetry starts the exporter the SLAM workers report their trace
// spans and stats through.
package telemetry

import (
	"time"

	"go.viam.com/utils/perf"
)

// defaultReportingInterval is how often collected stats are flushed.
const defaultReportingInterval = time.Second

// Start begins exporting the spans and stats recorded by the SLAM system.
// The caller stops the returned exporter on shutdown.
func Start() (perf.Exporter, error) {
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: defaultReportingInterval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}
	return exporter, nil
}
