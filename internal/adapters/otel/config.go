package otel

// Exporter kinds accepted in Config.Exporter.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterNone       = "none"
)

// Config selects where engine metrics go.
type Config struct {
	Exporter string
	// Endpoint is the OTLP collector address, used with ExporterOTLP.
	Endpoint string
	Insecure bool
}
