// Package logging constructs the zap logger shared by the server and
// client binaries.
package logging

import "go.uber.org/zap"

// New builds a production logger, or a development one (colorized,
// caller-annotated) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must is New but panics on error, for use in main() where there is no
// sensible fallback.
func Must(dev bool) *zap.Logger {
	logger, err := New(dev)
	if err != nil {
		panic(err)
	}
	return logger
}
