package proof

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeInPlace rewrites the file, the way most editors save
func writeInPlace(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// replaceByRename swaps content in by rename, the way config management deploys
func replaceByRename(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

// startWatcher runs a watcher over a fresh rules file and returns its
// manager and reload results
func startWatcher(t *testing.T) (string, *RulesManager, <-chan error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeInPlace(t, path, "min_keywords: 2\n")

	mgr := NewRulesManager(DefaultRules())
	reloads := make(chan error, 8)
	w, err := NewRulesWatcher(RulesWatcherOptions{
		Path:     path,
		Manager:  mgr,
		Debounce: 20 * time.Millisecond,
		OnReload: func(err error) { reloads <- err },
	})
	if err != nil {
		t.Fatalf("NewRulesWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path, mgr, reloads
}

func TestRulesWatcher_ReloadsAndKeepsLastGood(t *testing.T) {
	tests := []struct {
		name    string
		replace func(t *testing.T, path, content string)
	}{
		{"write", writeInPlace},
		{"rename", replaceByRename},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, mgr, reloads := startWatcher(t)

			tt.replace(t, path, "min_keywords: 3\n")
			select {
			case err := <-reloads:
				if err != nil {
					t.Fatalf("reload error: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("no reload after change")
			}
			if got := mgr.Rules().MinKeywords; got != 3 {
				t.Fatalf("MinKeywords = %d, want 3", got)
			}

			// an invalid file is reported and the active rules stay
			tt.replace(t, path, "min_keywords: 0\n")
			deadline := time.After(5 * time.Second)
			for failed := false; !failed; {
				select {
				case err := <-reloads:
					// a trailing event from the previous change may reload once more
					failed = err != nil
				case <-deadline:
					t.Fatal("no failed reload after invalid change")
				}
			}
			if got := mgr.Rules().MinKeywords; got != 3 {
				t.Fatalf("MinKeywords = %d after bad reload, want 3", got)
			}
		})
	}
}

func TestNewRulesWatcher_RequiresPathAndManager(t *testing.T) {
	if _, err := NewRulesWatcher(RulesWatcherOptions{}); err == nil {
		t.Fatal("expected error with no options")
	}
	if _, err := NewRulesWatcher(RulesWatcherOptions{Manager: NewRulesManager(DefaultRules())}); err == nil {
		t.Fatal("expected error without path")
	}
	if _, err := NewRulesWatcher(RulesWatcherOptions{Path: "rules.yaml"}); err == nil {
		t.Fatal("expected error without manager")
	}
}
