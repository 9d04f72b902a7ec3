package widgetpkg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"glance/internal/widget"
)

func validPackage() *Package {
	pkg := FromDefinition(sampleDefinition(), "ada")
	return pkg
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestValidate_Valid(t *testing.T) {
	res := Validate(validPackage())
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
}

func TestValidate_WebhookWithoutPath(t *testing.T) {
	pkg := validPackage()
	pkg.Fetch = widget.FetchConfig{Type: widget.FetchWebhook}

	res := Validate(pkg)
	assert.False(t, res.Valid)
	assert.True(t, containsSubstring(res.Errors, "webhook_path"), "errors: %v", res.Errors)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Package)
		want   string
	}{
		{"missing name", func(p *Package) { p.Meta.Name = "" }, "meta.name"},
		{"missing slug", func(p *Package) { p.Meta.Slug = " " }, "meta.slug"},
		{"missing source", func(p *Package) { p.Widget.SourceCode = "" }, "source_code"},
		{"forbidden source", func(p *Package) { p.Widget.SourceCode = "eval('1')" }, "eval"},
		{"forbidden server code", func(p *Package) { s := "require('fs')"; p.Widget.ServerCode = &s }, "server_code"},
		{"enabled without server code", func(p *Package) { p.Widget.ServerCode = nil }, "server_code"},
		{"server fetch disabled", func(p *Package) { p.Widget.ServerCodeEnabled = false }, "server_code_enabled"},
		{"credential without id", func(p *Package) { p.Credentials[0].ID = "" }, "credentials[0].id"},
		{"credential bad type", func(p *Package) { p.Credentials[0].Type = "password" }, "credentials[0].type"},
		{"credential without name", func(p *Package) { p.Credentials[0].Name = "" }, "credentials[0].name"},
		{"duplicate credential", func(p *Package) { p.Credentials = append(p.Credentials, p.Credentials[0]) }, "duplicated"},
		{"missing fetch type", func(p *Package) { p.Fetch.Type = "" }, "fetch.type"},
		{"unknown fetch type", func(p *Package) { p.Fetch.Type = "poll" }, "fetch.type"},
		{"negative ttl", func(p *Package) { p.Cache.TTLSeconds = -1 }, "ttl_seconds"},
		{"negative staleness", func(p *Package) { p.Cache.MaxStalenessSeconds = intPtr(-5) }, "max_staleness_seconds"},
		{"bad on_error", func(p *Package) { p.Cache.OnError = "retry" }, "on_error"},
		{"bad storage", func(p *Package) { p.Cache.Storage = "redis" }, "cache.storage"},
		{"negative size", func(p *Package) { p.Widget.MinSize.W = -1 }, "min_size"},
		{"setup without skill", func(p *Package) { p.Setup.AgentSkill = "" }, "agent_skill"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := validPackage()
			tt.mutate(pkg)
			res := Validate(pkg)
			assert.False(t, res.Valid)
			assert.True(t, containsSubstring(res.Errors, tt.want), "errors: %v", res.Errors)
		})
	}
}

func TestValidate_AgentRefresh(t *testing.T) {
	pkg := validPackage()
	pkg.Widget.ServerCodeEnabled = false
	pkg.Widget.ServerCode = nil
	pkg.Fetch = widget.FetchConfig{Type: widget.FetchAgentRefresh, Schedule: "*/15 9-17 * * 1-5", Instructions: "capture"}

	res := Validate(pkg)
	assert.True(t, res.Valid, "errors: %v", res.Errors)

	pkg.Fetch.Schedule = "every day"
	res = Validate(pkg)
	assert.False(t, res.Valid)
	assert.True(t, containsSubstring(res.Errors, "fetch.schedule"))

	pkg.Fetch.Schedule = ""
	pkg.Fetch.ExpectedFreshnessSeconds = intPtr(-1)
	res = Validate(pkg)
	assert.True(t, containsSubstring(res.Errors, "expected_freshness_seconds"))
}

func TestValidate_Warnings(t *testing.T) {
	pkg := validPackage()
	pkg.Meta.Slug = "My_Widget"
	pkg.Meta.Description = ""
	pkg.Meta.Author = ""

	res := Validate(pkg)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.True(t, containsSubstring(res.Warnings, "meta.slug"))
	assert.True(t, containsSubstring(res.Warnings, "meta.description"))
	assert.True(t, containsSubstring(res.Warnings, "meta.author"))
}

func TestValidate_MinAppVersion(t *testing.T) {
	pkg := validPackage()
	pkg.Meta.MinAppVersion = "2.0.0"

	res := ValidateWith(pkg, Options{AppVersion: "1.4.0"})
	assert.True(t, res.Valid)
	assert.True(t, containsSubstring(res.Warnings, "requires glance 2.0.0"))

	res = ValidateWith(pkg, Options{AppVersion: "2.1.0"})
	assert.False(t, containsSubstring(res.Warnings, "requires glance"))

	res = ValidateWith(pkg, Options{AppVersion: "dev"})
	assert.False(t, containsSubstring(res.Warnings, "requires glance"))

	pkg.Meta.MinAppVersion = "soon"
	res = Validate(pkg)
	assert.True(t, containsSubstring(res.Warnings, "not a semantic version"))
}

func TestValidCron(t *testing.T) {
	valid := []string{"* * * * *", "0 9 * * 1-5", "*/5 0,12 1 1 *", "  0  0  *  *  0 "}
	invalid := []string{"", "* * * *", "* * * * * *", "@daily", "0 9 * * MON", "0 9 ? * *"}

	for _, s := range valid {
		assert.True(t, ValidCron(s), s)
	}
	for _, s := range invalid {
		assert.False(t, ValidCron(s), s)
	}
}
