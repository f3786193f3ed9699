package fs

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/slaclab/licco-sub000/internal/blob/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPutGetHeadDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	payload := []byte("fc,fg,device_type\nAT1L0,,mcd\n")

	info, err := s.Put(ctx, "exports/p1/a.csv", bytes.NewReader(payload), core.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"project_id": "p1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ETag == "" {
		t.Fatalf("unexpected info: %+v", info)
	}

	head, err := s.Head(ctx, "exports/p1/a.csv")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ContentType != "text/csv" || head.Metadata["project_id"] != "p1" {
		t.Fatalf("sidecar metadata lost: %+v", head)
	}

	got, rc, err := s.Get(ctx, "exports/p1/a.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) || got.ETag != info.ETag {
		t.Fatalf("content mismatch")
	}

	existed, err := s.Delete(ctx, "exports/p1/a.csv")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete(ctx, "exports/p1/a.csv")
	if err != nil || existed {
		t.Fatalf("second delete should report missing: existed=%v err=%v", existed, err)
	}
}

func TestPutIsWriteOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "k", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "k", strings.NewReader("two"), core.PutOptions{}); err == nil {
		t.Fatalf("overwrite must fail")
	}
}

func TestKeySanitization(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, key := range []string{"", "/abs", "../escape", "a/../../b"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, key := range []string{"exports/p1/a.json", "exports/p1/b.csv", "exports/p2/c.json"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := s.List(ctx, "exports/p1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected two artifacts, got %v", infos)
	}
	if infos[0].Key != "exports/p1/a.json" || infos[1].Key != "exports/p1/b.csv" {
		t.Fatalf("keys out of order: %v", infos)
	}
}

func TestPresignURLGetOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	url, err := s.PresignURL(ctx, "exports/p1/a.json", core.SignedURLOptions{})
	if err != nil || !strings.Contains(url, "exports/p1/a.json") {
		t.Fatalf("presign: %q %v", url, err)
	}
	if _, err := s.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); err == nil {
		t.Fatalf("non-GET presign must be unsupported")
	}
}
