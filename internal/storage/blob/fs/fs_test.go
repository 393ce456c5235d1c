package fs

import (
	"os"
	"testing"

	"github.com/foxcpp/spoolq/internal/storage/blob"
)

func TestFS(t *testing.T) {
	blob.TestStore(t, func() blob.Store {
		dir, err := os.MkdirTemp("", "spoolq-blob-")
		if err != nil {
			t.Fatal(err)
		}
		st, err := New(dir)
		if err != nil {
			t.Fatal(err)
		}
		return st
	}, func(store blob.Store) {
		os.RemoveAll(store.(*FSStore).root)
	})
}

func TestFS_InvalidKey(t *testing.T) {
	st, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "/", "../escape", "a/../../b"} {
		if _, err := st.path(key); err == nil {
			t.Errorf("%q: expected an error", key)
		}
	}
}
