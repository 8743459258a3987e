package engine

// ToolRegistry maps a tool type to its scan policy.
// Loaded once from the [scan.tools] config table and never mutated.
type ToolRegistry struct {
	Tools map[string]ToolPolicy `koanf:"tools" json:"tools"`
}

// GetToolPolicy returns the policy for a tool type.
// If the registry is nil or the tool is missing, returns
// a zero-value ToolPolicy (all nil fields → server defaults).
func (r *ToolRegistry) GetToolPolicy(toolType string) ToolPolicy {
	if r == nil || r.Tools == nil {
		return ToolPolicy{}
	}
	return r.Tools[toolType]
}

// IsScanEnabled reports whether scanning runs for the tool type.
// Tools are scanned unless explicitly disabled.
func (r *ToolRegistry) IsScanEnabled(toolType string) bool {
	return r.GetToolPolicy(toolType).IsEnabled()
}

// Snapshot returns a copy of the effective enable map.
func (r *ToolRegistry) Snapshot() map[string]bool {
	out := make(map[string]bool)
	if r == nil {
		return out
	}
	for name, p := range r.Tools {
		out[name] = p.IsEnabled()
	}
	return out
}

// ToolPolicy controls scanning for a single tool type.
// All pointer fields use nil to mean "use server default".
type ToolPolicy struct {
	Enabled           *bool   `koanf:"enabled" json:"enabled"`                       // nil = use server default (true)
	ImageSensitivity  *string `koanf:"image_sensitivity" json:"image_sensitivity"`   // nil = use [scan.sensitivity] image
	PromptSensitivity *string `koanf:"prompt_sensitivity" json:"prompt_sensitivity"` // nil = use [scan.sensitivity] prompt
}

// IsEnabled returns whether the tool is scanned.
// A nil Enabled field defaults to true (all tools on by default).
func (tp ToolPolicy) IsEnabled() bool {
	if tp.Enabled == nil {
		return true
	}
	return *tp.Enabled
}

// EffectiveImageSensitivity returns the sensitivity sent to the vision classifier.
// A nil ImageSensitivity falls back to the provided server default.
func (tp ToolPolicy) EffectiveImageSensitivity(serverDefault string) string {
	if tp.ImageSensitivity == nil {
		return serverDefault
	}
	return *tp.ImageSensitivity
}

// EffectivePromptSensitivity returns the prompt sensitivity for this tool.
// The regex classifier does not read it; it is carried for the vision payload and events.
func (tp ToolPolicy) EffectivePromptSensitivity(serverDefault string) string {
	if tp.PromptSensitivity == nil {
		return serverDefault
	}
	return *tp.PromptSensitivity
}
