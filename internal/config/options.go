package config

const (
	OptEnvironment  = "environment"
	OptProcessTitle = "process_title"

	EnvironmentProduction = "production"
)

// Options are the key/value pairs the parent sends during the handshake.
// They are read-only once the handshake completes.
type Options struct {
	Environment  string
	ProcessTitle string
	Raw          map[string]string
}

// NewOptions builds Options from the raw handshake pairs.
func NewOptions(raw map[string]string) Options {
	if raw == nil {
		raw = map[string]string{}
	}
	return Options{
		Environment:  raw[OptEnvironment],
		ProcessTitle: raw[OptProcessTitle],
		Raw:          raw,
	}
}

func (o Options) Production() bool {
	return o.Environment == EnvironmentProduction
}
