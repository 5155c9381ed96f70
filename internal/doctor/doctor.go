// Package doctor validates platformd configuration against the discovered
// platforms.
package doctor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/platformd/internal/config"
	"github.com/mattjoyce/platformd/internal/platform"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered platforms. The
// registry must be the raw discovery result, before config overrides.
type Doctor struct {
	cfg      *config.Config
	registry *platform.Registry
}

// New creates a Doctor from a loaded config and platform registry.
func New(cfg *config.Config, registry *platform.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validatePlatformRefs(r)
	d.validateCredentialPolicy(r)
	d.validateAPIConfig(r)
	d.validateSessions(r)
	d.warnNoPlatforms(r)
	d.warnMissingSecret(r)
	d.warnTiming(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.PlatformsDir == "" {
		d.addError(r, "service", "platforms_dir", "platforms_dir is required")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if _, err := d.cfg.ParentSecret(); err != nil {
		d.addError(r, "service", "service.secret", err.Error())
	}
}

// validatePlatformRefs checks that every platform override names a
// discovered platform.
func (d *Doctor) validatePlatformRefs(r *Result) {
	for _, name := range sortedKeys(d.cfg.Platforms) {
		pc := d.cfg.Platforms[name]
		if _, ok := d.registry.Get(name); ok {
			continue
		}
		field := fmt.Sprintf("platforms.%s", name)
		if pc.Disabled {
			d.addWarning(r, "platform_refs", field,
				fmt.Sprintf("platform %q is disabled but was not discovered either", name))
			continue
		}
		d.addError(r, "platform_refs", field,
			fmt.Sprintf("platform %q in config but not found in platforms_dir", name))
	}
}

// validateCredentialPolicy checks require_credentials against the
// effective persist flag and the declared verbs.
func (d *Doctor) validateCredentialPolicy(r *Result) {
	for _, name := range d.registry.Names() {
		p, _ := d.registry.Get(name)
		pc, overridden := d.cfg.Platforms[name]
		if pc.Disabled {
			continue
		}

		persist := p.Config.Persist
		verbs := p.Config.RequireCredentials
		field := "platforms." + name
		if overridden {
			if pc.Persist != nil {
				persist = *pc.Persist
			}
			if pc.RequireCredentials != nil {
				verbs = pc.RequireCredentials
			}
		}
		if len(verbs) == 0 {
			continue
		}
		if !persist {
			d.addWarning(r, "credentials", field+".require_credentials",
				fmt.Sprintf("platform %q is shared, require_credentials is ignored", name))
			continue
		}
		for _, verb := range verbs {
			if len(p.Verbs) > 0 && !slices.Contains(p.Verbs, verb) {
				d.addError(r, "credentials", field+".require_credentials",
					fmt.Sprintf("platform %q does not declare verb %q", name, verb))
			}
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	key := d.cfg.API.Auth.APIKey
	switch {
	case key == "":
		d.addError(r, "api", "api.auth.api_key", "API enabled but api_key is empty, every request would be rejected")
	case envVarRe.MatchString(key):
		m := envVarRe.FindStringSubmatch(key)
		d.addWarning(r, "env_vars", "api.auth.api_key",
			fmt.Sprintf("environment variable ${%s} not set", m[1]))
	}
}

// validateSessions checks the shared session directory.
func (d *Doctor) validateSessions(r *Result) {
	redis := d.cfg.Sessions.Redis
	if redis.Addr == "" {
		return
	}
	if redis.Namespace == "" {
		d.addWarning(r, "sessions", "sessions.redis.namespace",
			"redis namespace is empty, keys may collide with other supervisors")
	}
}

func (d *Doctor) warnNoPlatforms(r *Result) {
	if len(d.registry.Names()) == 0 {
		d.addWarning(r, "platform_refs", "platforms_dir",
			fmt.Sprintf("no platforms discovered in %q", d.cfg.PlatformsDir))
	}
}

func (d *Doctor) warnMissingSecret(r *Result) {
	if d.cfg.Service.Secret == "" {
		d.addWarning(r, "service", "service.secret",
			"no parent secret configured, queued jobs and stored credentials are unreadable after a restart")
	}
}

// warnTiming flags janitor and heartbeat settings that fight each other.
func (d *Doctor) warnTiming(r *Result) {
	j := d.cfg.Janitor
	if j.Interval > 0 && j.Interval < time.Second {
		d.addWarning(r, "janitor", "janitor.interval",
			fmt.Sprintf("janitor interval %s is very short (< 1s)", j.Interval))
	}
	s := d.cfg.Supervisor
	if s.HandshakeTimeout > 0 && s.HeartbeatInterval > 0 && s.HandshakeTimeout > s.HeartbeatInterval*4 {
		d.addWarning(r, "supervisor", "supervisor.handshake_timeout",
			fmt.Sprintf("handshake timeout %s is much longer than the heartbeat interval %s", s.HandshakeTimeout, s.HeartbeatInterval))
	}
}

func sortedKeys(m map[string]config.PlatformConf) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
