package depechedb

import (
	"path/filepath"
	"testing"

	"github.com/depeche-protocol/depeche/pkg/depeche/depechetest"
)

func TestStorage(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "depeche.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	depechetest.TestStore(t, db)
}

func TestMigrateIdempotent(t *testing.T) {
	name := filepath.Join(t.TempDir(), "depeche.db")

	db, err := Open(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.StoreContact("n", "a"); err != nil {
		t.Fatalf("store contact: %v", err)
	}
	db.Close()

	// reopening an existing database must not reapply migrations
	db, err = Open(name)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	contacts, err := db.Contacts()
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("contacts = %d, want 1", len(contacts))
	}
}

func TestBodyCompressionRoundTrip(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = byte('a' + i%24)
	}

	for _, contents := range []string{"short body", string(long)} {
		comp, body, err := encodeBody(contents)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		row := messageRow{BodyComp: comp, Body: body}
		got, err := row.toStored()
		if err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if got.Contents != contents {
			t.Fatalf("round-trip mismatch for %d bytes", len(contents))
		}
	}

	// large bodies must actually be compressed
	comp, body, err := encodeBody(string(long))
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	if comp != "gzip" {
		t.Fatalf("comp = %q, want gzip", comp)
	}
	if len(body) >= len(long) {
		t.Fatalf("compression grew body: %d >= %d", len(body), len(long))
	}
}
