package memstore

import (
	"testing"

	"github.com/depeche-protocol/depeche/pkg/depeche/depechetest"
)

func TestStorage(t *testing.T) {
	depechetest.TestStore(t, New())
}
