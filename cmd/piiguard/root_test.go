package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SamuelRCrider/pii-guard/core"
)

// resetFlags restores every flag to its default between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate points HOME at a temp dir so no user config is read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PIIGUARD_STORE", "")
	t.Setenv("PIIGUARD_LOG_LEVEL", "")
	t.Setenv(core.VaultKeyEnv, "")
	return home
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestVersionCommand(t *testing.T) {
	output, err := executeCommand(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, output, "piiguard")
}

func TestHelpCommand(t *testing.T) {
	output, err := executeCommand(t, "")
	require.NoError(t, err)
	for _, name := range []string{"scan", "classify", "incidents", "settings", "serve-mcp", "serve-http"} {
		assert.Contains(t, output, name)
	}
}

func TestScanFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "notes.txt", "Reach me at jane@example.com or 555-123-4567")

	output, err := executeCommand(t, "", "scan", path, "--store", "memory")
	require.NoError(t, err)
	assert.Contains(t, output, "Found 2 match(es)")
	assert.Contains(t, output, "email")
	assert.Contains(t, output, "phone")
}

func TestScanStdinRedact(t *testing.T) {
	isolate(t)

	output, err := executeCommand(t, "SSN 123-45-6789", "scan", "--store", "memory", "--redact")
	require.NoError(t, err)
	assert.Equal(t, "SSN [REDACTED:ssn]\n", output)

	output, err = executeCommand(t, "SSN 123-45-6789", "scan", "--store", "memory", "--mask")
	require.NoError(t, err)
	assert.Equal(t, "SSN XXX-XX-6789\n", output)
}

func TestScanJSONWithTypes(t *testing.T) {
	isolate(t)

	output, err := executeCommand(t, "jane@example.com 123-45-6789", "scan", "--store", "memory", "--json", "--types", "email")
	require.NoError(t, err)

	var findings []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &findings))
	require.Len(t, findings, 1)
	assert.Equal(t, "email", findings[0]["type"])
}

func TestScanMissingFile(t *testing.T) {
	isolate(t)
	_, err := executeCommand(t, "", "scan", "/nonexistent/file.txt", "--store", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}

func TestClassifyCommand(t *testing.T) {
	dir := isolate(t)
	cfg := writeFile(t, dir, "config.yaml", "groups:\n  alice: [managers]\n")

	output, err := executeCommand(t, "This plan is SECRET", "classify", "--store", "memory", "--config", cfg, "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, output, "Classification: Secret")
	assert.Contains(t, output, "label classification-secret")
	assert.Contains(t, output, "access allowed")
}

func TestIncidentWorkflow(t *testing.T) {
	dir := isolate(t)
	store := "sqlite:" + filepath.Join(dir, "db", "piiguard.db")
	page := writeFile(t, dir, "page.html", "<p>Employee SSN: 123-45-6789</p>")

	output, err := executeCommand(t, "", "scan", page, "--store", store, "--page-id", "101", "--title", "Payroll")
	require.NoError(t, err)
	assert.Contains(t, output, "Incident: "+core.IncidentKeyPrefix)

	output, err = executeCommand(t, "", "incidents", "list", "--store", store, "--json")
	require.NoError(t, err)
	var incidents []core.Incident
	require.NoError(t, json.Unmarshal([]byte(output), &incidents))
	require.Len(t, incidents, 1)
	assert.Equal(t, "Payroll", incidents[0].Title)
	id := incidents[0].ID

	output, err = executeCommand(t, "", "incidents", "status", id, "resolved", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, "Resolved")

	_, err = executeCommand(t, "", "incidents", "status", id, "active", "--store", store)
	require.Error(t, err)

	output, err = executeCommand(t, "", "incidents", "stats", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, "Resolved     1")

	output, err = executeCommand(t, "", "incidents", "page", "101", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, `"status": "resolved"`)

	_, err = executeCommand(t, "", "incidents", "delete", id, "--store", store)
	require.NoError(t, err)

	output, err = executeCommand(t, "", "incidents", "list", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, "No incidents.")
}

func TestSettingsWorkflow(t *testing.T) {
	dir := isolate(t)
	store := "sqlite:" + filepath.Join(dir, "piiguard.db")

	_, err := executeCommand(t, "", "settings", "set", "email=false", "enableQuarantine=true", "--store", store)
	require.NoError(t, err)

	output, err := executeCommand(t, "", "settings", "show", "--store", store, "--json")
	require.NoError(t, err)
	var settings core.Settings
	require.NoError(t, json.Unmarshal([]byte(output), &settings))
	assert.False(t, settings.Email)
	assert.True(t, settings.EnableQuarantine)

	output, err = executeCommand(t, "", "settings", "show", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, "email: false")

	ruleset := filepath.Join(dir, "rules", "ruleset.yaml")
	_, err = executeCommand(t, "", "settings", "export", ruleset, "--store", store, "--version", "9.9.9")
	require.NoError(t, err)

	other := "sqlite:" + filepath.Join(dir, "other.db")
	output, err = executeCommand(t, "", "settings", "import", ruleset, "--store", other)
	require.NoError(t, err)
	assert.Contains(t, output, "Imported ruleset 9.9.9")

	output, err = executeCommand(t, "", "settings", "show", "--store", other, "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(output), &settings))
	assert.False(t, settings.Email)
	assert.True(t, settings.EnableQuarantine)

	_, err = executeCommand(t, "", "settings", "set", "bogus=true", "--store", store)
	require.Error(t, err)
}

func TestTokenWorkflow(t *testing.T) {
	dir := isolate(t)
	store := "sqlite:" + filepath.Join(dir, "vault.db")

	key, err := executeCommand(t, "", "tokens", "keygen")
	require.NoError(t, err)
	t.Setenv(core.VaultKeyEnv, strings.TrimSpace(key))

	tokenized, err := executeCommand(t, "Call 555-123-4567", "scan", "--store", store, "--tokenize")
	require.NoError(t, err)
	assert.NotContains(t, tokenized, "555-123-4567")
	assert.Contains(t, tokenized, "@@token_")

	output, err := executeCommand(t, tokenized, "tokens", "reveal", "--store", store)
	require.NoError(t, err)
	assert.Equal(t, "Call 555-123-4567\n", output)

	token := strings.TrimSpace(strings.TrimPrefix(tokenized, "Call "))
	output, err = executeCommand(t, "", "tokens", "revoke", token, "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, "revoked")

	output, err = executeCommand(t, tokenized, "tokens", "reveal", "--store", store)
	require.NoError(t, err)
	assert.Equal(t, tokenized, output)

	output, err = executeCommand(t, "", "tokens", "purge", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, output, "Purged 0")

	t.Setenv(core.VaultKeyEnv, "not-base64!")
	_, err = executeCommand(t, "x", "scan", "--store", store, "--tokenize")
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	patch, err := parseAssignments([]string{"ssn=false", "passport=1", "ENABLEQUARANTINE=true"})
	require.NoError(t, err)
	require.NotNil(t, patch.SSN)
	assert.False(t, *patch.SSN)
	assert.True(t, *patch.Passport)
	assert.True(t, *patch.EnableQuarantine)
	assert.Nil(t, patch.Email)

	for _, bad := range []string{"email", "email=maybe", "fax=true"} {
		_, err := parseAssignments([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeFile(t, dir, "config.yaml", "store: sqlite:/from/file.db\naudit:\n  level: verbose\ndebounce_window: 2s\n")

	resetFlags(rootCmd)
	require.NoError(t, rootCmd.PersistentFlags().Set("config", cfgPath))

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:/from/file.db", cfg.Store)
	assert.Equal(t, "verbose", cfg.Audit.Level)
	assert.Equal(t, "2s", cfg.DebounceWindow.String())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	t.Setenv("PIIGUARD_STORE", "memory")
	cfg, err = loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)

	require.NoError(t, rootCmd.PersistentFlags().Set("store", "postgres://db/pii"))
	cfg, err = loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/pii", cfg.Store)

	require.NoError(t, rootCmd.PersistentFlags().Set("audit-level", "loud"))
	_, err = loadConfig(rootCmd)
	assert.Error(t, err)
	resetFlags(rootCmd)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	isolate(t)
	resetFlags(rootCmd)
	require.NoError(t, rootCmd.PersistentFlags().Set("config", "/nonexistent/config.yaml"))
	_, err := loadConfig(rootCmd)
	assert.Error(t, err)
	resetFlags(rootCmd)
}

func TestStoreKind(t *testing.T) {
	tests := map[string]string{
		"":                       "memory",
		"memory":                 "memory",
		"sqlite:/tmp/x.db":       "sqlite",
		"/var/lib/piiguard.db":   "sqlite",
		"postgres://host/db":     "postgres",
		"postgresql://host:5/db": "postgres",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, storeKind(dsn), dsn)
	}
}
