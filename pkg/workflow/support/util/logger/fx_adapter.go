package logger

import (
	"strings"

	"go.uber.org/fx/fxevent"
)

// FxLoggerAdapter forwards fx container events to the package logger.
// Lifecycle noise goes to DEBUG; failures go to ERROR.
type FxLoggerAdapter struct{}

// NewFxLoggerAdapter creates a new FxLoggerAdapter.
func NewFxLoggerAdapter() fxevent.Logger {
	return &FxLoggerAdapter{}
}

// LogEvent implements fxevent.Logger.
func (l *FxLoggerAdapter) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		Debugf("fx: starting hook %s", extractMeaningfulFunctionName(e.FunctionName))
	case *fxevent.OnStartExecuted:
		hookResult("start", e.FunctionName, e.Err)
	case *fxevent.OnStopExecuting:
		Debugf("fx: stopping hook %s", extractMeaningfulFunctionName(e.FunctionName))
	case *fxevent.OnStopExecuted:
		hookResult("stop", e.FunctionName, e.Err)
	case *fxevent.Supplied:
		if e.Err != nil {
			Errorf("fx: supply of %s failed: %v", e.TypeName, e.Err)
		}
	case *fxevent.Provided:
		if e.Err != nil {
			Errorf("fx: provide failed (%s): %v", extractMeaningfulFunctionName(e.ConstructorName), e.Err)
			return
		}
		for _, name := range e.OutputTypeNames {
			Debugf("fx: provided %s", name)
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			Errorf("fx: invoke %s failed: %v", extractMeaningfulFunctionName(e.FunctionName), e.Err)
		}
	case *fxevent.Stopping:
		Infof("Received %s, shutting down.", strings.ToUpper(e.Signal.String()))
	case *fxevent.Stopped:
		if e.Err != nil {
			Errorf("fx: stop failed: %v", e.Err)
		}
	case *fxevent.RollingBack:
		Errorf("fx: start failed, rolling back: %v", e.StartErr)
	case *fxevent.RolledBack:
		if e.Err != nil {
			Errorf("fx: rollback failed: %v", e.Err)
		}
	case *fxevent.Started:
		if e.Err != nil {
			Errorf("fx: start failed: %v", e.Err)
			return
		}
		Infof("Application started.")
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			Errorf("fx: custom logger initialization failed: %v", e.Err)
		}
	}
}

func hookResult(phase, fn string, err error) {
	name := extractMeaningfulFunctionName(fn)
	if err != nil {
		Errorf("fx: %s hook %s failed: %v", phase, name, err)
		return
	}
	Debugf("fx: %s hook %s done", phase, name)
}

// extractMeaningfulFunctionName strips anonymous function suffixes (".func1") from fx function names.
func extractMeaningfulFunctionName(funcName string) string {
	if idx := strings.LastIndex(funcName, ".func"); idx != -1 {
		return funcName[:idx]
	}
	return funcName
}
