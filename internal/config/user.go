package config

// UserConfig is one client configuration. Sessions are keyed by a
// deterministic fingerprint over a fixed subset of these fields (see
// internal/session); the rest only influence behavior.
type UserConfig struct {
	M3UURL         string // comma-separated playlist source refs
	EPGURL         string // guide document URL (or list-of-URLs document)
	EPGEnabled     bool
	Proxy          string
	IDSuffix       string // e.g. "it"; appended as "." + suffix to ids
	RemapperPath   string // local path or http URL of remap rules
	UpdateInterval string // "H:MM" staleness threshold; empty = default
	ResolverScript string
	ScriptURL      string
}

// Merge returns c overlaid with the non-zero fields of o. EPGEnabled is
// settled at session creation, where it decides whether a guide store is
// opened, so it keeps c's value here.
func (c UserConfig) Merge(o UserConfig) UserConfig {
	out := c
	if o.M3UURL != "" {
		out.M3UURL = o.M3UURL
	}
	if o.EPGURL != "" {
		out.EPGURL = o.EPGURL
	}
	if o.Proxy != "" {
		out.Proxy = o.Proxy
	}
	if o.IDSuffix != "" {
		out.IDSuffix = o.IDSuffix
	}
	if o.RemapperPath != "" {
		out.RemapperPath = o.RemapperPath
	}
	if o.UpdateInterval != "" {
		out.UpdateInterval = o.UpdateInterval
	}
	if o.ResolverScript != "" {
		out.ResolverScript = o.ResolverScript
	}
	if o.ScriptURL != "" {
		out.ScriptURL = o.ScriptURL
	}
	return out
}
