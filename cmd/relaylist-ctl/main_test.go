package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaylist/internal/httpapi"
)

const ctlModelsYAML = `
models:
  project.task:
    order: sequence, id
    fields:
      name: {type: char, required: true}
      sequence: {type: integer, default: 10}
      active: {type: boolean, default: true}
    records:
      - {name: Alpha, sequence: 1}
      - {name: Beta, sequence: 2}
      - {name: Gamma, sequence: 3}
`

const ctlViewYAML = `
model: project.task
columns: [name, sequence]
fields:
  name: {type: char, required: true}
  sequence: {type: integer, handle: true}
multiEdit: true
`

func writeFixtures(t *testing.T) (modelsFile, viewFile string) {
	t.Helper()
	dir := t.TempDir()
	modelsFile = filepath.Join(dir, "models.yaml")
	viewFile = filepath.Join(dir, "view.yaml")
	if err := os.WriteFile(modelsFile, []byte(ctlModelsYAML), 0o644); err != nil {
		t.Fatalf("write models file: %v", err)
	}
	if err := os.WriteFile(viewFile, []byte(ctlViewYAML), 0o644); err != nil {
		t.Fatalf("write view file: %v", err)
	}
	return modelsFile, viewFile
}

func runCtl(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out, &errOut)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestListRendersRecordsInOrder(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "", "--models", models, "--view", view, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	alpha, beta, gamma := strings.Index(out, "Alpha"), strings.Index(out, "Beta"), strings.Index(out, "Gamma")
	if alpha < 0 || beta < alpha || gamma < beta {
		t.Fatalf("expected Alpha, Beta, Gamma in order, got:\n%s", out)
	}
	if !strings.Contains(out, "3 record(s)") {
		t.Fatalf("expected record count footer, got:\n%s", out)
	}
}

func TestListHonorsPagingFlags(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "", "--models", models, "--view", view, "list", "--limit", "1", "--offset", "1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.Contains(out, "Alpha") || !strings.Contains(out, "Beta") || strings.Contains(out, "Gamma") {
		t.Fatalf("expected only Beta on page 2, got:\n%s", out)
	}
}

func TestSortTogglesDirection(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "", "--models", models, "--view", view, "sort", "sequence")
	if err != nil {
		t.Fatalf("sort failed: %v", err)
	}
	if strings.Index(out, "Gamma") > strings.Index(out, "Alpha") {
		t.Fatalf("expected descending order after toggling sequence, got:\n%s", out)
	}
}

func TestResequenceMovesRecord(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "", "--models", models, "--view", view, "resequence", "3", "1")
	if err != nil {
		t.Fatalf("resequence failed: %v", err)
	}
	if strings.Index(out, "Gamma") > strings.Index(out, "Alpha") {
		t.Fatalf("expected Gamma before Alpha, got:\n%s", out)
	}
}

func TestEditSavesSingleRecord(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "", "--models", models, "--view", view, "edit", "2", "--set", "name=Bravo")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !strings.Contains(out, "Bravo") || strings.Contains(out, "Beta") {
		t.Fatalf("expected Beta renamed to Bravo, got:\n%s", out)
	}
}

func TestMultiEditAsksForConfirmation(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "n\n", "--models", models, "--view", view, "edit", "1", "2", "--set", "name=Same")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !strings.Contains(out, "Write name=Same on 2 record(s)? [y/N]") {
		t.Fatalf("expected confirmation prompt, got:\n%s", out)
	}
	if !strings.Contains(out, "changes not saved") || strings.Contains(out, "Same  ") {
		t.Fatalf("expected declined multi-edit to leave records alone, got:\n%s", out)
	}

	out, err = runCtl(t, "", "--models", models, "--view", view, "--yes", "edit", "1", "2", "--set", "name=Same")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if strings.Count(out, "Same") < 3 {
		t.Fatalf("expected both records renamed, got:\n%s", out)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	models, view := writeFixtures(t)
	out, err := runCtl(t, "y\n", "--models", models, "--view", view, "delete", "2")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if strings.Contains(out, "Beta") || !strings.Contains(out, "2 record(s)") {
		t.Fatalf("expected Beta deleted, got:\n%s", out)
	}
}

func TestArchiveRejectsMissingTargets(t *testing.T) {
	models, view := writeFixtures(t)
	if _, err := runCtl(t, "", "--models", models, "--view", view, "archive"); err == nil {
		t.Fatalf("expected error without ids or --all")
	}
	if _, err := runCtl(t, "", "--models", models, "--view", view, "archive", "42"); err == nil {
		t.Fatalf("expected error for a record that is not loaded")
	}
	out, err := runCtl(t, "", "--models", models, "--view", view, "archive", "1")
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if strings.Contains(out, "Alpha") {
		t.Fatalf("expected Alpha hidden after archive, got:\n%s", out)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	out, err := runCtl(t, "", "token", "--secret", "s3cret", "--db", "db_1", "--login", "admin", "--scopes", "orm:read")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	token := strings.TrimSpace(out)
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a jwt, got %q", token)
	}
	if token == httpapi.IssueToken("other", "db_1", "admin", []string{"orm:read"}, time.Now().Add(time.Hour)) {
		t.Fatalf("expected the secret to change the signature")
	}
}

func TestRemoteModeRequiresToken(t *testing.T) {
	_, view := writeFixtures(t)
	t.Setenv("RELAYLIST_TOKEN", "")
	t.Setenv("RELAYLIST_MODELS_FILE", "")
	if _, err := runCtl(t, "", "--view", view, "list"); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", " 7 "})
	if err != nil {
		t.Fatalf("parse ids failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 7 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	for _, bad := range []string{"0", "-1", "abc"} {
		if _, err := parseIDs([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("RELAYLIST_TEST_FLOAT_BAD", "oops")
	if got := floatEnv("RELAYLIST_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
	t.Setenv("RELAYLIST_TEST_FLOAT", "0.35")
	if got := floatEnv("RELAYLIST_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}
