package version

import (
	"regexp"
	"testing"

	"github.com/fatih/color"
)

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestVersionIsSemantic(t *testing.T) {
	if !regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.]+)?$`).MatchString(Version) {
		t.Fatalf("version %q is not semantic", Version)
	}
}

func TestColored(t *testing.T) {
	prevNoColor, prevVersion := color.NoColor, Version
	defer func() { color.NoColor, Version = prevNoColor, prevVersion }()

	Version = "1.2.3-rc.1"
	color.NoColor = true
	if got := Colored(); got != Version {
		t.Fatalf("no-color = %q, want %q", got, Version)
	}

	color.NoColor = false
	got := Colored()
	if got == Version {
		t.Fatalf("colored output has no escapes: %q", got)
	}
	if plain := ansi.ReplaceAllString(got, ""); plain != Version {
		t.Fatalf("stripped = %q, want %q", plain, Version)
	}

	Version = "nightly"
	if got := Colored(); got != "nightly" {
		t.Fatalf("undotted version = %q", got)
	}
}
