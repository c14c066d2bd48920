package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestDispatch_Unknown(t *testing.T) {
	err := dispatch(context.Background(), []string{"launch"})
	if err == nil || !strings.Contains(err.Error(), `unknown command "launch"`) {
		t.Errorf("got %v", err)
	}
	if err := dispatch(context.Background(), []string{"dest"}); err == nil {
		t.Error("dest without subcommand accepted")
	}
	if err := dispatch(context.Background(), []string{"dest", "rename"}); err == nil {
		t.Error("unknown dest subcommand accepted")
	}
}

func TestDispatch_AdminCommands(t *testing.T) {
	// WHAT: dest and book subcommands work against a fresh database
	// configured only through the environment.
	dir := t.TempDir()
	t.Setenv("BOOKFERRY_DATABASE", filepath.Join(dir, "ferry.db"))
	t.Setenv("BOOKFERRY_TEMP_DIR", filepath.Join(dir, "tmp"))
	ctx := context.Background()

	add := []string{"dest", "add", "-name", "alice", "-feed-key", "alice", "-path", filepath.Join(dir, "alice")}
	if err := dispatch(ctx, add); err != nil {
		t.Fatalf("dest add: %v", err)
	}
	if err := dispatch(ctx, add); err == nil {
		t.Error("duplicate feed key accepted")
	}
	if err := dispatch(ctx, []string{"dest", "list"}); err != nil {
		t.Errorf("dest list: %v", err)
	}
	if err := dispatch(ctx, []string{"book", "list", "-status", "failed"}); err != nil {
		t.Errorf("book list: %v", err)
	}
	if err := dispatch(ctx, []string{"book", "reset", "-id", "bk_none"}); err == nil {
		t.Error("reset of a missing book succeeded")
	}
}
