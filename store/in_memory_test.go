package store_test

import (
	"testing"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/store"
	"github.com/hupe1980/agentplan/store/storetest"
)

func TestInMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) core.Store { return store.NewInMemoryStore() })
}
