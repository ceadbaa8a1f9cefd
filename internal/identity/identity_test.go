package identity

import (
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("minted id %q is not a uuid", first)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("id changed across loads: %q vs %q", first, second)
	}
}

func TestCorruptIdFileIsReplaced(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("not-a-uuid"), 0600); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("replacement id %q is not a uuid", id)
	}
}
