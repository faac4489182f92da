package usecase

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/scheduler"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/transport"
)

// Validator checks a workflow definition against the registered formats and adapters.
type Validator struct {
	formats    *format.Registry
	transports *transport.Registry
}

// NewValidator creates a Validator.
func NewValidator(formats *format.Registry, transports *transport.Registry) *Validator {
	return &Validator{formats: formats, transports: transports}
}

// Validate reports every problem of wf at once. The error is a ValidationError wrapping a
// *multierror.Error; dsl.ValidationErrors lists its entries.
func (v *Validator) Validate(wf *model.Workflow) error {
	var errs *multierror.Error
	fail := func(format string, a ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, a...))
	}

	if strings.TrimSpace(wf.Name) == "" {
		fail("name is required")
	}
	if !wf.Kind.IsValid() {
		fail("kind %q is not one of consumer, provider", wf.Kind)
	}
	if cron := wf.Cron(); cron != "" {
		if err := scheduler.ValidateCron(cron); err != nil {
			fail("schedule_cron: %s", exception.ExtractErrorMessage(err))
		}
	}

	prog, err := dsl.Parse(wf.Config)
	if err != nil {
		errs = multierror.Append(errs, dsl.ValidationErrors(err)...)
		return invalid(errs)
	}

	for i := range prog.Steps {
		v.checkStep(i, &prog.Steps[i], fail)
	}
	switch wf.Kind {
	case model.KindConsumer:
		if !hasSink(prog, dsl.ToEntity) {
			fail("a consumer workflow needs a step writing to an entity")
		}
	case model.KindProvider:
		if !hasSink(prog, dsl.ToFormat) {
			fail("a provider workflow needs a step writing to a format destination")
		}
	}

	return invalid(errs)
}

func invalid(errs *multierror.Error) error {
	if errs == nil {
		return nil
	}
	return exception.New(exception.ValidationError, moduleName, "invalid workflow", errs.ErrorOrNil())
}

func (v *Validator) checkStep(i int, s *dsl.Step, fail func(string, ...interface{})) {
	at := fmt.Sprintf("steps[%d]", i)
	if s.From.Type == dsl.FromFormat {
		if err := v.formats.ValidateOptions(s.From.Format.FormatType, s.From.Format.Options); err != nil {
			fail("%s.from.format: %s", at, exception.ExtractErrorMessage(err))
		}
		if err := v.transports.ValidateSource(s.From.ResolvedSource()); err != nil {
			fail("%s.from.source: %s", at, exception.ExtractErrorMessage(err))
		}
	}
	if s.To.Type == dsl.ToFormat {
		if err := v.formats.ValidateOptions(s.To.Format.FormatType, s.To.Format.Options); err != nil {
			fail("%s.to.format: %s", at, exception.ExtractErrorMessage(err))
		}
		if err := v.transports.ValidateDestination(s.To.Output.Destination); err != nil {
			fail("%s.to.output.destination: %s", at, exception.ExtractErrorMessage(err))
		}
	}
}

func hasSink(prog *dsl.Program, kind string) bool {
	for _, i := range prog.Sinks() {
		if prog.Steps[i].To.Type == kind {
			return true
		}
	}
	return false
}
