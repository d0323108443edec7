//go:build !softhsm

package issuer

import (
	"fmt"

	"github.com/alovak/virtualcards/internal/security"
)

func openCodeProvider(config *Config) (security.CodeProvider, func(), error) {
	if config.HSMLib != "" {
		return nil, nil, fmt.Errorf("HSM_LIB is set but the binary was built without the softhsm tag")
	}
	return security.Derived{}, func() {}, nil
}
