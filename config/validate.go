package config

import (
	"errors"
	"fmt"
	"strings"

	"depositd/deposit"
)

var validRoles = map[string]struct{}{
	deposit.RoleInspector: {},
	deposit.RoleApprover:  {},
	deposit.RoleAdmin:     {},
}

// Validate checks the loaded configuration for the mistakes that would
// otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.DisputeWindowSeconds <= 0 {
		return errors.New("config: DisputeWindowSeconds must be positive")
	}
	if strings.TrimSpace(c.FeeRecipient) == "" {
		return errors.New("config: FeeRecipient is required")
	}
	if _, err := deposit.ParseAddress(c.FeeRecipient); err != nil {
		return fmt.Errorf("config: FeeRecipient: %w", err)
	}
	if len(c.APIKeys) == 0 {
		return errors.New("config: at least one ApiKeys entry is required")
	}
	seen := make(map[string]struct{}, len(c.APIKeys))
	for i, entry := range c.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" || strings.TrimSpace(entry.Secret) == "" {
			return fmt.Errorf("config: ApiKeys[%d] must include Key and Secret", i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate api key %q", key)
		}
		seen[key] = struct{}{}
		if _, err := deposit.ParseAddress(entry.Address); err != nil {
			return fmt.Errorf("config: ApiKeys[%d].Address: %w", i, err)
		}
		for _, role := range entry.Roles {
			normalized := strings.ToLower(strings.TrimSpace(role))
			if _, ok := validRoles[normalized]; !ok {
				return fmt.Errorf("config: ApiKeys[%d]: unknown role %q", i, role)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config: Webhooks[%d].URL is required", i)
		}
		if strings.TrimSpace(hook.Secret) == "" {
			return fmt.Errorf("config: Webhooks[%d].Secret is required", i)
		}
	}
	return nil
}
