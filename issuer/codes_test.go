//go:build !softhsm

package issuer_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcards/issuer"
)

func TestApp_HSMRequiresBuildTag(t *testing.T) {
	config := issuer.DefaultConfig()
	config.RepoBackend = issuer.BackendMemory
	config.AllowMemBackend = true
	config.HTTPAddr = "127.0.0.1:0"
	config.HSMLib = "/usr/lib/softhsm/libsofthsm2.so"

	app := issuer.NewApp(slog.Default(), config)
	require.ErrorContains(t, app.Start(), "softhsm tag")
}
