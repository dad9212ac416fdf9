package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	envSentry    = "CARD_SELECTOR_SENTRY"     // "1" forces crash reporting on, "0" off
	envSentryDSN = "CARD_SELECTOR_SENTRY_DSN" // overrides the configured DSN
	envSentryEnv = "CARD_SELECTOR_ENVIRONMENT"
)

var sentryEnabled bool

// sentryDSN resolves whether crash reporting should run and with which DSN. The environment
// wins over the saved preference and the configuration file.
func sentryDSN(optedIn bool, configured string) (string, bool) {
	switch os.Getenv(envSentry) {
	case "1":
		optedIn = true
	case "0":
		optedIn = false
	}
	if !optedIn {
		return "", false
	}

	dsn := configured
	if env := os.Getenv(envSentryDSN); env != "" {
		dsn = env
	}
	return dsn, dsn != ""
}

// InitSentry starts crash reporting when the user opted in and a DSN is known. Reports
// are tagged with the release and environment. Returns whether Sentry is running.
func InitSentry(version string, crashReportingEnabled bool, dsn string) bool {
	SetVersion(version)

	dsn, ok := sentryDSN(crashReportingEnabled, dsn)
	if !ok {
		if crashReportingEnabled {
			Warn(CatSystem, "Crash reporting enabled but no Sentry DSN configured", nil)
		}
		return false
	}

	environment := os.Getenv(envSentryEnv)
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "card-selector@" + version,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry waits up to timeout for buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// report runs capture inside a scope carrying data as extras. Reader and scenario names
// become tags so reports can be grouped by them.
func report(level sentry.Level, tags map[string]string, data map[string]interface{}, capture func()) {
	if !sentryEnabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		for k, v := range data {
			switch k {
			case "reader", "scenario", "kind":
				scope.SetTag(k, fmt.Sprint(v))
			default:
				scope.SetExtra(k, v)
			}
		}
		capture()
	})
}

// CapturePanic sends a recovered panic with its stack trace and flushes immediately.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	if !sentryEnabled {
		return
	}
	report(sentry.LevelFatal, map[string]string{"panic_context": context}, map[string]interface{}{
		"stack_trace": string(stack),
	}, func() {
		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
			return
		}
		sentry.CaptureMessage(fmt.Sprint(panicValue))
	})

	// The process may be about to exit
	sentry.Flush(2 * time.Second)
}

// CaptureError sends an error to Sentry.
func CaptureError(err error, context string, data map[string]interface{}) {
	if err == nil {
		return
	}
	report(sentry.LevelError, map[string]string{"error_context": context}, data, func() {
		sentry.CaptureException(err)
	})
}

// CaptureMessage sends a message to Sentry.
func CaptureMessage(message string, level sentry.Level, data map[string]interface{}) {
	report(level, nil, data, func() {
		sentry.CaptureMessage(message)
	})
}
