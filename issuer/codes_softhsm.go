//go:build softhsm

package issuer

import (
	"fmt"

	"github.com/alovak/virtualcards/internal/security"
	"github.com/alovak/virtualcards/internal/security/hsm"
)

func openCodeProvider(config *Config) (security.CodeProvider, func(), error) {
	if config.HSMLib == "" {
		return security.Derived{}, func() {}, nil
	}
	p := hsm.NewSoftHSMProvider(config.HSMLib, config.HSMSlot, config.HSMPin, config.HSMKeyLabel)
	if err := p.Open(); err != nil {
		return nil, nil, fmt.Errorf("opening pkcs11 token: %w", err)
	}
	return p, p.Close, nil
}
