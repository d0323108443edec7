package memory_test

import (
	"testing"

	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/memory"
	"github.com/alovak/virtualcards/issuer/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return memory.New()
	})
}
