//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/fgeck/borrg/internal/config"
	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/borg"
	"github.com/fgeck/borrg/internal/services/passcmd"
	"github.com/fgeck/borrg/internal/services/runner"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "integration-secret"

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// borgSettings skips the test when no borg binary is installed. TEST_BORG_BINARY
// selects a specific one.
func borgSettings(t *testing.T) models.BorgSettings {
	t.Helper()

	bin := os.Getenv("TEST_BORG_BINARY")
	if bin == "" {
		bin = models.DefaultBorgBinary
	}
	if _, err := exec.LookPath(bin); err != nil {
		t.Skipf("%s not found in PATH", bin)
	}
	return models.BorgSettings{Binary: bin}
}

// testRepository returns TEST_BORG_REPO or a fresh repository below t.TempDir.
func testRepository(t *testing.T) string {
	t.Helper()

	if repo := os.Getenv("TEST_BORG_REPO"); repo != "" {
		return repo
	}
	return filepath.Join(t.TempDir(), "repo")
}

func isolateBorg(t *testing.T) {
	t.Helper()

	base := t.TempDir()
	t.Setenv("BORG_BASE_DIR", base)
	t.Setenv("BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK", "yes")
	t.Setenv("BORG_RELOCATED_REPO_ACCESS_IS_OK", "yes")
}

func passEnv() []string {
	return []string{"BORG_PASSPHRASE=" + testPassphrase}
}

func testData(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, fmt.Sprintf("file-%d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte(fmt.Sprintf("test data %d for backup", i)), 0o600))
	}
	return dir
}

func TestBorgVersion_Integration(t *testing.T) {
	settings := borgSettings(t)

	version, err := borg.New(testLogger()).Version(context.Background(), settings)

	require.NoError(t, err)
	assert.Regexp(t, `^\d+\.\d+`, version)
}

func TestBorgInitCreateListInfo_Integration(t *testing.T) {
	settings := borgSettings(t)
	isolateBorg(t)
	repo := testRepository(t)
	ctx := context.Background()
	svc := borg.New(testLogger())

	err := svc.Init(ctx, settings, repo, passEnv(), models.InitOptions{Encryption: "repokey", MakeParentDirs: true})
	require.NoError(t, err)

	target := models.ResolvedTarget{
		Name:        "integration",
		Repository:  repo,
		Paths:       []string{testData(t)},
		Compression: models.Compression{Algorithm: "lz4"},
		Stats:       true,
		Progress:    true,
		Archive:     "integration-{now}",
		Comment:     "integration test",
	}

	var events int
	result, err := svc.Create(ctx, settings, target, passEnv(), func(models.Event) { events++ })
	require.NoError(t, err)
	require.NoError(t, result.Error)
	require.NotNil(t, result.Stats)
	assert.Equal(t, uint64(3), result.Stats.NFiles)
	assert.NotEmpty(t, result.Stats.ID)
	assert.Positive(t, events)

	archives, err := svc.List(ctx, settings, repo, passEnv())
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, result.Stats.Name, archives[0].Name)

	info, err := svc.Info(ctx, settings, repo, passEnv())
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Contains(t, info.Encryption, "repokey")
	assert.Positive(t, info.TotalSize)
}

func TestBorgInit_AlreadyExists_Integration(t *testing.T) {
	settings := borgSettings(t)
	isolateBorg(t)
	repo := filepath.Join(t.TempDir(), "repo")
	svc := borg.New(testLogger())
	opts := models.InitOptions{Encryption: "none"}

	require.NoError(t, svc.Init(context.Background(), settings, repo, nil, opts))

	err := svc.Init(context.Background(), settings, repo, nil, opts)
	require.Error(t, err)
	var invErr *borg.InvocationError
	assert.ErrorAs(t, err, &invErr)
}

func TestBorgCreate_WrongPassphrase_Integration(t *testing.T) {
	settings := borgSettings(t)
	isolateBorg(t)
	repo := filepath.Join(t.TempDir(), "repo")
	svc := borg.New(testLogger())

	require.NoError(t, svc.Init(context.Background(), settings, repo, passEnv(), models.InitOptions{Encryption: "repokey"}))

	target := models.ResolvedTarget{
		Name:        "wrong",
		Repository:  repo,
		Paths:       []string{testData(t)},
		Compression: models.NoCompression(),
		Archive:     "wrong-{now}",
	}
	result, err := svc.Create(context.Background(), settings, target, []string{"BORG_PASSPHRASE=nope"}, nil)

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.False(t, result.Warning)
}

func TestRunner_FromConfig_Integration(t *testing.T) {
	settings := borgSettings(t)
	isolateBorg(t)
	repo := filepath.Join(t.TempDir(), "repo")
	data := testData(t)

	require.NoError(t, borg.New(testLogger()).Init(context.Background(), settings, repo, passEnv(), models.InitOptions{Encryption: "repokey"}))

	content := fmt.Sprintf(`
[borg]
binary = %q

[template.default]
compression = { algorithm = "zstd", level = 3 }
stats = true

[[backup]]
name = "literal"
repository = %q
passphrase = %q
path = %q
archive = "literal-{now}"

[[backup]]
name = "command"
repository = %q
passcommand = "echo %s"
path = %q
archive = "command-{now}"
`, settings.Binary, repo, testPassphrase, data, repo, testPassphrase, data)

	cfg, err := config.NewParser().LoadReader(content)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))

	summary, err := runner.New(testLogger()).Run(context.Background(), *cfg, runner.RunOptions{})

	require.NoError(t, err)
	require.Len(t, summary.Results, 2)
	for _, r := range summary.Results {
		assert.NoError(t, r.Error, r.Target.Name)
		require.NotNil(t, r.Archive, r.Target.Name)
		require.NotNil(t, r.Archive.Stats, r.Target.Name)
	}

	cred, err := passcmd.New(testLogger()).Resolve(context.Background(), "command", cfg.Targets[1].Credential)
	require.NoError(t, err)
	archives, err := borg.New(testLogger()).List(context.Background(), settings, repo, cred.Env)
	require.NoError(t, err)
	assert.Len(t, archives, 2)
}
