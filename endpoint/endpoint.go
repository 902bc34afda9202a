// Package endpoint manages the tenants of the SCIM service: their names,
// activation state, and per-tenant protocol configuration.
package endpoint

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pranems/scimserver/scim"
)

// Recognized config flags. Values are the strings "true" or "false",
// compared case-insensitively; unknown flags are stored verbatim and
// ignored by the protocol layer.
const (
	FlagMultiMemberAdd    = "MultiOpPatchRequestAddMultipleMembersToGroup"
	FlagMultiMemberRemove = "MultiOpPatchRequestRemoveMultipleMembersFromGroup"
	FlagVerbosePatch      = "VerbosePatchSupported"
)

var knownFlags = map[string]bool{
	strings.ToLower(FlagMultiMemberAdd):    true,
	strings.ToLower(FlagMultiMemberRemove): true,
	strings.ToLower(FlagVerbosePatch):      true,
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Endpoint is one tenant.
type Endpoint struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName,omitempty"`
	Description string            `json:"description,omitempty"`
	Active      bool              `json:"active"`
	Config      map[string]string `json:"config"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// FlagEnabled reports whether a known config flag is set to true. Flag
// names match case-insensitively.
func (e *Endpoint) FlagEnabled(flag string) bool {
	for k, v := range e.Config {
		if strings.EqualFold(k, flag) {
			return strings.EqualFold(v, "true")
		}
	}
	return false
}

// PatchOptions maps the endpoint's config flags onto patch-engine behavior.
func (e *Endpoint) PatchOptions() scim.PatchOptions {
	return scim.PatchOptions{
		AllowDottedPaths:       e.FlagEnabled(FlagVerbosePatch),
		AllowMultiMemberAdd:    e.FlagEnabled(FlagMultiMemberAdd),
		AllowMultiMemberRemove: e.FlagEnabled(FlagMultiMemberRemove),
	}
}

// ValidateName checks the endpoint naming rule.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("endpoint name %q is invalid: only letters, digits, underscore, and hyphen are allowed", name)
	}
	return nil
}

// ValidateConfig checks that known flags carry boolean-like values. Unknown
// flags pass through untouched.
func ValidateConfig(cfg map[string]string) error {
	for k, v := range cfg {
		if !knownFlags[strings.ToLower(k)] {
			continue
		}
		switch strings.ToLower(v) {
		case "true", "false":
		default:
			return fmt.Errorf("config flag %q requires a boolean value, got %q", k, v)
		}
	}
	return nil
}
