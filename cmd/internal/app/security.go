package app

import (
	"errors"
	"fmt"

	"carchat/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
//   - Without CARCHAT_IDENTITY_INSECURE the signing key must be set and at least token.MinKeyBytes long.
//   - Insecure identity is refused together with the origin check disabled, since that leaves
//     any page able to act as any user.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.IdentityInsecure {
		if !cfg.WSOriginRequired && len(cfg.WSAllowedOrigins) == 0 {
			return errors.New("security policy: CARCHAT_IDENTITY_INSECURE=true requires an origin policy (CARCHAT_WS_ORIGIN_REQUIRED or CARCHAT_WS_ALLOWED_ORIGINS)")
		}
		return nil
	}

	if _, err := token.KeyFromString(cfg.IdentityKey, token.MinKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrKeyMissing):
			return fmt.Errorf("security policy: %s is missing (set it or CARCHAT_IDENTITY_INSECURE=true for dev)", token.KeyEnv)
		case errors.Is(err, token.ErrKeyTooShort):
			return fmt.Errorf("security policy: %s is too short (min %d bytes)", token.KeyEnv, token.MinKeyBytes)
		default:
			return err
		}
	}
	return nil
}
