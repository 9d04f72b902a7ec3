package widgetpkg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"glance/internal/jsvm"
	"glance/internal/widget"
)

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	cronFieldPattern = regexp.MustCompile(`^[0-9*/,\-]+$`)
)

// Result is the outcome of Validate. Errors block an import, warnings do not.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Options tunes validation.
type Options struct {
	// AppVersion is compared against meta.min_app_version when it is a
	// semantic version.
	AppVersion string
}

// Validate checks pkg without an application version.
func Validate(pkg *Package) Result {
	return ValidateWith(pkg, Options{})
}

// ValidateWith checks pkg for import.
func ValidateWith(pkg *Package, opts Options) Result {
	v := &validation{errors: []string{}, warnings: []string{}}

	if strings.TrimSpace(pkg.Meta.Name) == "" {
		v.errorf("meta.name is required")
	}
	switch slug := pkg.Meta.Slug; {
	case strings.TrimSpace(slug) == "":
		v.errorf("meta.slug is required")
	case !slugPattern.MatchString(slug):
		v.warnf("meta.slug %q should contain only lowercase letters, digits and single hyphens", slug)
	}
	if pkg.Meta.Description == "" {
		v.warnf("meta.description is empty")
	}
	if pkg.Meta.Author == "" {
		v.warnf("meta.author is empty")
	}
	v.checkAppVersion(pkg.Meta.MinAppVersion, opts.AppVersion)

	v.checkBody(pkg)
	v.checkCredentials(pkg.Credentials)
	v.checkFetch(pkg)
	v.checkCache(pkg.Cache)

	if pkg.Setup != nil && strings.TrimSpace(pkg.Setup.AgentSkill) == "" {
		v.errorf("setup.agent_skill is required when setup is present")
	}

	return Result{Valid: len(v.errors) == 0, Errors: v.errors, Warnings: v.warnings}
}

// ValidCron reports whether expr has five fields made of digits and the
// characters * / , -. Schedule semantics are not evaluated.
func ValidCron(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	for _, f := range fields {
		if !cronFieldPattern.MatchString(f) {
			return false
		}
	}
	return true
}

type validation struct {
	errors   []string
	warnings []string
}

func (v *validation) errorf(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validation) warnf(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validation) checkAppVersion(minVersion, appVersion string) {
	if minVersion == "" {
		return
	}
	constraint, err := semver.NewVersion(minVersion)
	if err != nil {
		v.warnf("meta.min_app_version %q is not a semantic version", minVersion)
		return
	}
	current, err := semver.NewVersion(appVersion)
	if err != nil {
		return
	}
	if current.LessThan(constraint) {
		v.warnf("package requires glance %s or newer (running %s)", constraint, current)
	}
}

func (v *validation) checkBody(pkg *Package) {
	body := pkg.Widget
	if strings.TrimSpace(body.SourceCode) == "" {
		v.errorf("widget.source_code is required")
	} else if res := jsvm.Validate(body.SourceCode); !res.Valid {
		v.errorf("widget.source_code: %s", res.Error)
	}

	if body.ServerCodeEnabled {
		if body.ServerCode == nil || strings.TrimSpace(*body.ServerCode) == "" {
			v.errorf("widget.server_code is required when server_code_enabled is true")
		} else if res := jsvm.Validate(*body.ServerCode); !res.Valid {
			v.errorf("widget.server_code: %s", res.Error)
		}
	}

	checkSize := func(name string, s widget.Size) {
		if s.W < 0 || s.H < 0 {
			v.errorf("widget.%s must not be negative", name)
		}
	}
	checkSize("default_size", body.DefaultSize)
	checkSize("min_size", body.MinSize)
	if body.RefreshInterval < 0 {
		v.errorf("widget.refresh_interval must not be negative")
	}
}

func (v *validation) checkCredentials(creds []widget.Credential) {
	seen := make(map[string]bool, len(creds))
	for i, c := range creds {
		if strings.TrimSpace(c.ID) == "" {
			v.errorf("credentials[%d].id is required", i)
		} else if seen[c.ID] {
			v.errorf("credentials[%d].id %q is duplicated", i, c.ID)
		}
		seen[c.ID] = true

		if !c.Type.Valid() {
			v.errorf("credentials[%d].type %q is invalid", i, c.Type)
		}
		if strings.TrimSpace(c.Name) == "" {
			v.errorf("credentials[%d].name is required", i)
		}
		if c.Type == widget.CredentialLocalSoftware && c.CheckCommand == "" {
			v.warnf("credentials[%d] has no check_command", i)
		}
	}
}

func (v *validation) checkFetch(pkg *Package) {
	f := pkg.Fetch
	switch f.Type {
	case widget.FetchServerCode:
		if !pkg.Widget.ServerCodeEnabled {
			v.errorf("fetch.type server_code requires widget.server_code_enabled")
		}
	case widget.FetchWebhook:
		path := strings.TrimSpace(f.WebhookPath)
		if path == "" {
			v.errorf("fetch.webhook_path is required for webhook widgets")
		} else if strings.ContainsAny(path, " \t\n?#") {
			v.errorf("fetch.webhook_path %q contains invalid characters", f.WebhookPath)
		}
	case widget.FetchAgentRefresh:
		if f.Schedule != "" && !ValidCron(f.Schedule) {
			v.errorf("fetch.schedule %q is not a valid 5-field cron expression", f.Schedule)
		}
		if f.ExpectedFreshnessSeconds != nil && *f.ExpectedFreshnessSeconds < 0 {
			v.errorf("fetch.expected_freshness_seconds must not be negative")
		}
		if f.MaxStalenessSeconds != nil && *f.MaxStalenessSeconds < 0 {
			v.errorf("fetch.max_staleness_seconds must not be negative")
		}
		if f.Instructions == "" {
			v.warnf("fetch.instructions is empty; the agent will not know what to capture")
		}
	case "":
		v.errorf("fetch.type is required")
	default:
		v.errorf("fetch.type %q is invalid", f.Type)
	}
}

func (v *validation) checkCache(c *widget.CacheConfig) {
	if c == nil {
		return
	}
	if c.TTLSeconds < 0 {
		v.errorf("cache.ttl_seconds must not be negative")
	}
	if c.MaxStalenessSeconds != nil && *c.MaxStalenessSeconds < 0 {
		v.errorf("cache.max_staleness_seconds must not be negative")
	}
	switch c.OnError {
	case "", widget.OnErrorUseStale, widget.OnErrorShowError:
	default:
		v.errorf("cache.on_error %q is invalid", c.OnError)
	}
	switch c.Storage {
	case "", widget.CacheStorageMemory, widget.CacheStorageSQLite:
	default:
		v.errorf("cache.storage %q is invalid", c.Storage)
	}
}
