package weft

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// We use the category-gated logf() pattern throughout: a call site names the
// subsystem it belongs to, and the categories to emit are selected with the
// WEFT_LOG environment variable, e.g.
//
//	WEFT_LOG=handshake,crypto go test ./...
//
// "*" enables everything.  The "crypto" category is the only one permitted to
// print secret material, and only because interop debugging is impossible
// without it; it must never be enabled in production.
const (
	logTypeCrypto      = "crypto"
	logTypeHandshake   = "handshake"
	logTypeNegotiation = "negotiation"
	logTypeIO          = "io"
	logTypeFrame       = "frame"
	logTypeHandoff     = "handoff"
)

var (
	logFunction = func(string, ...interface{}) {}
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if strings.HasPrefix(stmt, "WEFT_LOG=") {
			val := stmt[len("WEFT_LOG="):]
			if val == "*" {
				logAll = true
				break
			}
			for _, t := range strings.Split(val, ",") {
				logSettings[t] = true
			}
		}
	}
	if !logAll && len(logSettings) == 0 {
		return
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	logger, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return
	}
	sugar := logger.Sugar()
	logFunction = func(format string, args ...interface{}) {
		sugar.Debugf(format, args...)
	}
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		logFunction("["+tag+"] "+format, args...)
	}
}
