package app

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nhle/messaging-manager/internal/model"
)

func TestBuildRegistrySkipsUnresolvableSources(t *testing.T) {
	lookup := func(key string) (string, error) {
		if key == "work/password" || key == "bot/token" {
			return "secret", nil
		}
		return "", errors.New("not found")
	}

	cfg := &model.AppConfig{
		MediaDir: t.TempDir(),
		Sources: []model.SourceConfig{
			{Name: "work", Type: "email", Enabled: true, Config: map[string]string{
				"address": "me@example.com", "imap_host": "imap.example.com", "smtp_host": "smtp.example.com",
			}},
			{Name: "bot", Type: "telegram", Enabled: true},
			{Name: "home", Type: "email", Enabled: true, Config: map[string]string{"address": "me@example.org"}},
			{Name: "old", Type: "telegram", Enabled: false},
			{Name: "fax", Type: "fax", Enabled: true},
		},
	}

	registry := buildRegistry(cfg, lookup, zaptest.NewLogger(t))

	var names []string
	for _, a := range registry.All() {
		names = append(names, a.Describe().ServiceName)
	}
	if strings.Join(names, ",") != "bot,work" {
		t.Errorf("registered = %v, want [bot work]", names)
	}
}

func TestDescribeSource(t *testing.T) {
	d, err := describeSource(model.SourceConfig{Name: "g", Type: "email", Config: map[string]string{"auth": "oauth"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.Join(d.RequiredInitFields, ","), "refresh_token") {
		t.Errorf("oauth email fields = %v", d.RequiredInitFields)
	}

	d, err = describeSource(model.SourceConfig{Name: "t", Type: "telegram"})
	if err != nil || len(d.RequiredInitFields) != 1 || d.RequiredInitFields[0] != "token" {
		t.Errorf("telegram descriptor = %+v, %v", d, err)
	}

	if _, err := describeSource(model.SourceConfig{Type: "fax"}); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "messages.db")
	media := filepath.Join(dir, "media")

	for _, p := range []string{dsn, dsn + "-wal", filepath.Join(media, "a", "photo.jpg")} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &model.AppConfig{Storage: model.StorageConfig{Driver: "sqlite", DSN: dsn}, MediaDir: media}
	if err := reset(cfg); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, err := os.Stat(dsn); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("database still present: %v", err)
	}
	entries, err := os.ReadDir(media)
	if err != nil {
		t.Fatalf("media dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("media dir has %d entries, want 0", len(entries))
	}

	cfg.Storage.Driver = "postgres"
	if err := reset(cfg); err == nil {
		t.Error("reset accepted postgres")
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"reset", "--config", filepath.Join(t.TempDir(), "none.yaml")})
	cmd.SetOut(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("reset without --yes = %v", err)
	}
}

func TestSourcesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	config := `
sources:
  - name: work
    type: email
  - name: bot
    type: telegram
    enabled: false
`
	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"sources", "--config", path})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("sources: %v", err)
	}

	got := out.String()
	for _, want := range []string{"work", "address, password", "bot", "false", "token"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintDrafts(t *testing.T) {
	reply := "Sure,\nsee you   at 5"
	drafts := []model.DraftRecord{{
		DraftID: "abc",
		Window: []model.CanonicalMessage{{
			ServiceName: "tg",
			SenderName:  "Ada",
			Timestamp:   time.Now(),
		}},
		Generated: model.GeneratedFields{Summary: "Ada asks about dinner", ReplyText: &reply},
		Status:    model.DraftPending,
	}}

	var out bytes.Buffer
	if err := printDrafts(&out, drafts); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"abc", "tg", "Ada", "Ada asks about dinner", "Sure, see you at 5"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	printDrafts(&out, nil)
	if strings.TrimSpace(out.String()) != "no pending drafts" {
		t.Errorf("empty output = %q", out.String())
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n b", 10); got != "a b" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine("abcdefgh", 5); got != "abcd…" {
		t.Errorf("oneLine truncated = %q", got)
	}
}

func TestInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	run := func(args ...string) error {
		cmd := NewRootCommand()
		cmd.SetArgs(append(args, "--config", path))
		cmd.SetOut(&bytes.Buffer{})
		return cmd.Execute()
	}

	if err := run("init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "window_size: 25") {
		t.Errorf("config missing defaults:\n%s", data)
	}

	if err := run("init"); err == nil {
		t.Error("init overwrote an existing file")
	}
	if err := run("init", "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret(strings.NewReader("s3cret\r\nignored\n"))
	if err != nil || got != "s3cret" {
		t.Errorf("readSecret = %q, %v", got, err)
	}
	if _, err := readSecret(strings.NewReader("")); err == nil {
		t.Error("empty secret accepted")
	}
}
