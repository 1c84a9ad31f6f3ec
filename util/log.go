package util

import (
	"os"

	"go.uber.org/zap"
)

// S is the process-wide sugared logger. It is valid after SetupLog.
var S *zap.SugaredLogger = zap.NewNop().Sugar()

// SetupLog replaces the global zap loggers.
// A development logger is used when WGLEDGER_DEBUG is set.
func SetupLog() {
	var logger *zap.Logger
	var err error
	if os.Getenv("WGLEDGER_DEBUG") != "" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
	S = logger.Sugar()
}
