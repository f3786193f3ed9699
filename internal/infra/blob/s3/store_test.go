package s3

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/slaclab/licco-sub000/internal/blob/core"
)

func TestMockPutGetRoundTrip(t *testing.T) {
	s := NewMockForTests()
	ctx := context.Background()
	payload := []byte(`{"fc":"AT1L0"}`)

	info, err := s.Put(ctx, "exports/p1/a.json", bytes.NewReader(payload), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("unexpected size %d", info.Size)
	}

	got, rc, err := s.Get(ctx, "exports/p1/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) || got.ContentType != "application/json" {
		t.Fatalf("round trip mismatch: %q %+v", data, got)
	}
}

func TestMockPutIsWriteOnce(t *testing.T) {
	s := NewMockForTests()
	ctx := context.Background()
	if _, err := s.Put(ctx, "k", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "k", strings.NewReader("two"), core.PutOptions{}); err == nil {
		t.Fatalf("overwrite must fail")
	}
}

func TestMockListAndDelete(t *testing.T) {
	s := NewMockForTests()
	ctx := context.Background()
	for _, key := range []string{"exports/p1/a", "exports/p1/b", "exports/p2/c"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := s.List(ctx, "exports/p1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "exports/p1/a" || infos[1].Key != "exports/p1/b" {
		t.Fatalf("unexpected listing: %v", infos)
	}

	if _, err := s.Delete(ctx, "exports/p1/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Head(ctx, "exports/p1/a"); err == nil {
		t.Fatalf("head after delete must fail")
	}
}

func TestMockPresignURL(t *testing.T) {
	s := NewMockForTests()
	ctx := context.Background()
	url, err := s.PresignURL(ctx, "exports/p1/a", core.SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "exports/p1/a") {
		t.Fatalf("url missing key: %s", url)
	}
	if _, err := s.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); err == nil {
		t.Fatalf("non-GET presign must be unsupported")
	}
}

func TestOpenFromEnvRequiresBucket(t *testing.T) {
	t.Setenv("LICCO_BLOB_S3_BUCKET", "")
	if _, err := OpenFromEnv(context.Background()); err == nil {
		t.Fatalf("missing bucket must be rejected")
	}
}
