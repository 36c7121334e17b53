// Package templates renders stage messages from the configured subject and body templates.
package templates

import (
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
)

// Rendered is a stage message after variable substitution
type Rendered struct {
	Subject string
	Body    string
	HTML    bool
}

type stageTemplate struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

func (t stageTemplate) render(vars map[string]string) (Rendered, error) {
	var subject strings.Builder
	if err := t.subject.Execute(&subject, vars); err != nil {
		return Rendered{}, err
	}

	var body strings.Builder
	if t.html != nil {
		if err := t.html.Execute(&body, vars); err != nil {
			return Rendered{}, err
		}
	} else if err := t.text.Execute(&body, vars); err != nil {
		return Rendered{}, err
	}

	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
		HTML:    t.html != nil,
	}, nil
}

// Registry holds the parsed default templates and the per-account overrides.
// Templates reference variables as {{.lead_name}}; a missing variable fails the render.
type Registry struct {
	defaults  map[string]stageTemplate
	overrides map[string]map[string]stageTemplate
}

// NewRegistry parses every configured template once
func NewRegistry(defaults map[string]config.TemplateConfig, accounts map[string]config.AccountConfig) (*Registry, error) {
	r := &Registry{
		defaults:  make(map[string]stageTemplate, len(defaults)),
		overrides: make(map[string]map[string]stageTemplate),
	}

	for stage, cfg := range defaults {
		t, err := parse(stage, cfg)
		if err != nil {
			return nil, err
		}
		r.defaults[stage] = t
	}

	for accountID, account := range accounts {
		if len(account.Templates) == 0 {
			continue
		}
		r.overrides[accountID] = make(map[string]stageTemplate, len(account.Templates))
		for stage, cfg := range account.Templates {
			t, err := parse(stage, cfg)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", accountID, err)
			}
			r.overrides[accountID][stage] = t
		}
	}

	return r, nil
}

func parse(stage string, cfg config.TemplateConfig) (stageTemplate, error) {
	subject, err := template.New(stage + ".subject").Option("missingkey=error").Parse(cfg.Subject)
	if err != nil {
		return stageTemplate{}, fmt.Errorf("failed to parse %s subject: %w", stage, err)
	}

	t := stageTemplate{subject: subject}
	if cfg.HTML {
		t.html, err = htmltemplate.New(stage + ".body").Option("missingkey=error").Parse(cfg.Body)
	} else {
		t.text, err = template.New(stage + ".body").Option("missingkey=error").Parse(cfg.Body)
	}
	if err != nil {
		return stageTemplate{}, fmt.Errorf("failed to parse %s body: %w", stage, err)
	}
	return t, nil
}

// Render produces the message of step for the account. Failures are *domain.TemplateError.
func (r *Registry) Render(_ context.Context, accountID string, step int, vars map[string]string) (Rendered, error) {
	stage := domain.StageName(step)
	if stage == "" {
		return Rendered{}, &domain.TemplateError{Stage: fmt.Sprintf("step %d", step), Err: fmt.Errorf("no such stage")}
	}

	t, ok := r.overrides[accountID][stage]
	if !ok {
		t, ok = r.defaults[stage]
	}
	if !ok {
		return Rendered{}, &domain.TemplateError{Stage: stage, Err: fmt.Errorf("no template configured")}
	}

	out, err := t.render(vars)
	if err != nil {
		return Rendered{}, &domain.TemplateError{Stage: stage, Err: err}
	}
	return out, nil
}
