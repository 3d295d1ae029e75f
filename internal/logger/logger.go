// Package logger builds the zap logger shared by the server and the CLI.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a development logger for the development environment and a JSON
// production logger otherwise.
func New(environment string) (*zap.Logger, error) {
	if environment == "development" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Must is New that panics on error, for use in main.
func Must(environment string) *zap.Logger {
	l, err := New(environment)
	if err != nil {
		panic(err)
	}
	return l
}

// ForIntegration scopes a logger to one integration.
func ForIntegration(l *zap.Logger, integrationID, provider string) *zap.Logger {
	return l.With(zap.String("integration_id", integrationID), zap.String("provider", provider))
}
