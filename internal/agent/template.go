package agent

import "time"

// Template is the fill-in-the-blanks shape create(template, overrides)
// starts from (spec.md §4.3: "fill from template (capabilities,
// default prompt, resource caps)").
type Template struct {
	Type         Type
	Capabilities Capabilities
	Config       AgentConfig
}

// Overrides lets a caller customize a subset of a template's fields
// without redeclaring the whole thing.
type Overrides struct {
	Name         string
	Capabilities *Capabilities
	Config       *AgentConfig
	NodeID       string
}

func defaultConfig() AgentConfig {
	return AgentConfig{
		Autonomy:           0.5,
		MaxConcurrentTasks: 1,
		Timeout:            5 * time.Minute,
		HeartbeatInterval:  10 * time.Second,
	}
}

// builtinTemplates are the closed, non-custom template set.
var builtinTemplates = map[Type]Template{
	TypeCoordinator: {
		Type:         TypeCoordinator,
		Capabilities: Capabilities{Flags: []string{"planning", "decomposition", "consensus"}},
		Config:       defaultConfig(),
	},
	TypeResearcher: {
		Type:         TypeResearcher,
		Capabilities: Capabilities{Flags: []string{"research", "analysis"}},
		Config:       defaultConfig(),
	},
	TypeCoder: {
		Type:         TypeCoder,
		Capabilities: Capabilities{Flags: []string{"implementation", "testing"}},
		Config:       defaultConfig(),
	},
	TypeAnalyst: {
		Type:         TypeAnalyst,
		Capabilities: Capabilities{Flags: []string{"analysis", "data-gathering", "visualization"}},
		Config:       defaultConfig(),
	},
	TypeReviewer: {
		Type:         TypeReviewer,
		Capabilities: Capabilities{Flags: []string{"testing", "documentation"}},
		Config:       defaultConfig(),
	},
}

// resolveTemplate returns the named template, or an empty custom
// template when typ is TypeCustom or unrecognized — the closed
// enumeration's documented escape hatch (spec.md §9).
func resolveTemplate(typ Type) Template {
	if tmpl, ok := builtinTemplates[typ]; ok {
		return tmpl
	}
	return Template{Type: TypeCustom, Config: defaultConfig()}
}

func applyOverrides(tmpl Template, ov Overrides) (Capabilities, AgentConfig) {
	caps := tmpl.Capabilities
	if ov.Capabilities != nil {
		caps = *ov.Capabilities
	}
	cfg := tmpl.Config
	if ov.Config != nil {
		cfg = *ov.Config
	}
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultConfig().HeartbeatInterval
	}
	return caps, cfg
}
