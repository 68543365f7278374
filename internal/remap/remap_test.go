package remap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestParse_skipsCommentsAndMalformed(t *testing.T) {
	tbl := &Table{rules: make(map[string]string)}
	tbl.parse("# comment\n\nCH1 = News1\nbroken line\n=no-source\nno-target=\nA@x=B\n")
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", tbl.Len())
	}
	if got := tbl.RemappedID("ch1", ""); got != "news1" {
		t.Errorf("RemappedID(ch1) = %q", got)
	}
	if got := tbl.RemappedID("A", ""); got != "b" {
		t.Errorf("at-sign source rule: got %q", got)
	}
}

func TestRemappedID_convergence(t *testing.T) {
	tbl := &Table{rules: make(map[string]string)}
	tbl.parse("ch1.it=news1\nCH-1.it=news1\n")
	a := tbl.RemappedID("ch1", "it")
	b := tbl.RemappedID("CH 1", "it")
	if a != b || a != "news1" {
		t.Errorf("two raw ids mapping to the same target diverged: %q vs %q", a, b)
	}
}

func TestRemappedID_missKeepsSuffixedID(t *testing.T) {
	tbl := &Table{rules: make(map[string]string)}
	if got := tbl.RemappedID("Channel Two", "it"); got != "channeltwo.it" {
		t.Errorf("miss = %q, want channeltwo.it", got)
	}
	var nilTbl *Table
	if got := nilTbl.RemappedID("x", ""); got != "x" {
		t.Errorf("nil table = %q", got)
	}
}

func TestLoad_localFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.remapping")
	if err := os.WriteFile(path, []byte("sky=skyuno\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl := Load(context.Background(), path, "test", nil)
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", tbl.Len())
	}
}

func TestLoad_localFileMissingYieldsEmptyTable(t *testing.T) {
	tbl := Load(context.Background(), filepath.Join(t.TempDir(), "absent"), "test", nil)
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got %d rules", tbl.Len())
	}
	if got := tbl.RemappedID("ch1", ""); got != "ch1" {
		t.Errorf("empty table lookup = %q", got)
	}
}

func TestLoad_remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote1=target1\nremote2=target2\n"))
	}))
	defer srv.Close()
	tbl := Load(context.Background(), srv.URL, "test", srv.Client())
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", tbl.Len())
	}
}

func TestLoad_remoteFailureFallsBackToBundled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	tbl := Load(context.Background(), srv.URL, "test", srv.Client())
	if tbl.Len() == 0 {
		t.Fatal("expected bundled default rules after remote failure")
	}
	if got := tbl.RemappedID("rai1", "it"); got != "raiuno.it" {
		t.Errorf("bundled rule lookup = %q", got)
	}
}

func TestLoad_emptyPathUsesBundled(t *testing.T) {
	tbl := Load(context.Background(), "", "test", nil)
	if tbl.Len() == 0 {
		t.Fatal("expected bundled default rules")
	}
}
