package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// TestStore runs the common set of checks against a Store implementation.
// newStore is called for each subtest, cleanStore after it.
func TestStore(t *testing.T, newStore func() Store, cleanStore func(Store)) {
	run := func(name string, f func(t *testing.T, s Store)) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer cleanStore(s)
			f(t, s)
		})
	}

	put := func(t *testing.T, s Store, key string, body []byte, size int64) {
		t.Helper()
		b, err := s.Create(context.Background(), key, size)
		if err != nil {
			t.Fatal("Create:", err)
		}
		if _, err := b.Write(body); err != nil {
			t.Fatal("Write:", err)
		}
		if err := b.Sync(); err != nil {
			t.Fatal("Sync:", err)
		}
		if err := b.Close(); err != nil {
			t.Fatal("Close:", err)
		}
	}

	get := func(t *testing.T, s Store, key string) ([]byte, error) {
		t.Helper()
		r, err := s.Open(context.Background(), key)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}

	body := []byte("Subject: test\r\n\r\nHello!\r\n")

	run("Roundtrip", func(t *testing.T, s Store) {
		put(t, s, "bob@example.org/INBOX/0001", body, int64(len(body)))
		got, err := get(t, s, "bob@example.org/INBOX/0001")
		if err != nil {
			t.Fatal("Open:", err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("Wrong content: %q", got)
		}
	})

	run("UnknownSize", func(t *testing.T, s Store) {
		put(t, s, "bob@example.org/INBOX/0002", body, UnknownBlobSize)
		got, err := get(t, s, "bob@example.org/INBOX/0002")
		if err != nil {
			t.Fatal("Open:", err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("Wrong content: %q", got)
		}
	})

	run("Missing", func(t *testing.T, s Store) {
		if _, err := get(t, s, "nobody/INBOX/0003"); !errors.Is(err, ErrNoSuchBlob) {
			t.Fatal("Expected ErrNoSuchBlob, got", err)
		}
	})

	run("Delete", func(t *testing.T, s Store) {
		put(t, s, "bob@example.org/INBOX/0004", body, int64(len(body)))
		if err := s.Delete(context.Background(), []string{"bob@example.org/INBOX/0004", "nobody/INBOX/0005"}); err != nil {
			t.Fatal("Delete:", err)
		}
		if _, err := get(t, s, "bob@example.org/INBOX/0004"); !errors.Is(err, ErrNoSuchBlob) {
			t.Fatal("Expected ErrNoSuchBlob after Delete, got", err)
		}
	})
}
