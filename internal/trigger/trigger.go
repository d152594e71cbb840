// Package trigger starts the externally defined GPU test workflow with a
// fixed set of parameters.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Request carries the parameters the test workflow accepts.
type Request struct {
	Ref                  string `json:"ref"`
	RunnerLabel          string `json:"runner_label"`
	Accelerator          string `json:"accelerator"`
	Environment          string `json:"environment"`
	FrameworkVersion     string `json:"framework_version"`
	SkipUnitTests        bool   `json:"skip_unit_tests"`
	SkipIntegrationTests bool   `json:"skip_integration_tests"`
}

func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunnerLabel) == "" {
		errs = append(errs, errors.New("runner label is required"))
	}
	if strings.TrimSpace(r.Accelerator) == "" {
		errs = append(errs, errors.New("accelerator is required"))
	}
	if strings.TrimSpace(r.Environment) == "" {
		errs = append(errs, errors.New("environment is required"))
	}
	return errors.Join(errs...)
}

// Inputs renders the request as workflow inputs. Workflow dispatch inputs
// are always strings.
func (r Request) Inputs() map[string]string {
	in := map[string]string{
		"runner_label":           r.RunnerLabel,
		"accelerator":            r.Accelerator,
		"environment":            r.Environment,
		"skip_unit_tests":        strconv.FormatBool(r.SkipUnitTests),
		"skip_integration_tests": strconv.FormatBool(r.SkipIntegrationTests),
	}
	if r.FrameworkVersion != "" {
		in["framework_version"] = r.FrameworkVersion
	}
	return in
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

const DefaultSubject = "wheelwright.tests.dispatch"

// NATSDispatcher hands the request to whatever consumes the subject.
type NATSDispatcher struct {
	pub     Publisher
	subject string
}

func NewNATSDispatcher(pub Publisher, subject string) (*NATSDispatcher, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return &NATSDispatcher{pub: pub, subject: subject}, nil
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := d.pub.Publish(ctx, d.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", d.subject, err)
	}
	return nil
}
