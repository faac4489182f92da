package usecase

import (
	"go.uber.org/fx"
)

// Module is the Fx module for WorkflowService and RunExplorer.
var Module = fx.Options(
	fx.Provide(NewValidator),
	fx.Provide(fx.Annotate(
		NewSimpleRunExplorer,
		fx.As(new(RunExplorer)),
	)),
	fx.Provide(fx.Annotate(
		NewDefaultWorkflowService,
		fx.As(new(WorkflowService)),
	)),
)
