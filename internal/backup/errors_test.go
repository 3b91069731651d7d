package backup

import (
	"context"
	"errors"
	"testing"

	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnapshotID(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr error
	}{
		{
			name: "summary line",
			output: `{"message_type":"status","percent_done":0.5}
{"message_type":"summary","snapshot_id":"abc123def","files_new":10}`,
			want: "abc123def",
		},
		{
			name: "decoys before and after",
			output: `{"message_type":"status","note":"snapshot_id will follow","snapshot_id":"decoy1"}
{"message_type":"verbose_status","item":"/site/snapshot_id.txt"}
not json but mentions "snapshot_id":"decoy2"
{"message_type":"summary","snapshot_id":"realhash","data_added":42}
{"message_type":"status","snapshot_id":"decoy3"}
{"other":{"message_type":"summary","snapshot_id":"nested"}}`,
			want: "realhash",
		},
		{
			name:    "no summary",
			output:  `{"message_type":"status","snapshot_id":"decoy"}`,
			wantErr: ErrNoSnapshotID,
		},
		{
			name:    "summary without id",
			output:  `{"message_type":"summary","files_new":1}`,
			wantErr: ErrNoSnapshotID,
		},
		{
			name:    "empty",
			output:  "",
			wantErr: ErrNoSnapshotID,
		},
		{
			name:   "crlf line endings",
			output: "{\"message_type\":\"status\"}\r\n{\"message_type\":\"summary\",\"snapshot_id\":\"win\"}\r\n",
			want:   "win",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSnapshotID([]byte(tt.output))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBackupOutput_Stats(t *testing.T) {
	stats, err := parseBackupOutput([]byte(`{"message_type":"summary","snapshot_id":"abc","files_new":3,"files_changed":2,"data_added":1024}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", stats.SnapshotID)
	assert.Equal(t, 3, stats.FilesNew)
	assert.Equal(t, 2, stats.FilesChanged)
	assert.Equal(t, int64(1024), stats.SizeBytes)
}

func TestClassify(t *testing.T) {
	failed := func(code int, stderr string) error {
		return &process.ExecError{Kind: process.KindFailed, Command: "restic", ExitCode: code, Stderr: stderr}
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "config already exists",
			err:  failed(1, "Fatal: create repository at rclone:dropbox:x failed: config file already exists"),
			want: ErrRepoAlreadyExists,
		},
		{
			name: "exit code 10",
			err:  failed(10, "Fatal: unable to open repository"),
			want: ErrRepoNotFound,
		},
		{
			name: "does not exist",
			err:  failed(1, "Fatal: repository does not exist: unable to open config file"),
			want: ErrRepoNotFound,
		},
		{
			name: "is there a repository",
			err:  failed(1, "Is there a repository at the following location?"),
			want: ErrRepoNotFound,
		},
		{
			name: "rclone directory not found",
			err:  failed(3, "ERROR : directory not found"),
			want: ErrRepoNotFound,
		},
		{
			name: "invalid grant",
			err:  failed(1, `oauth2: "invalid_grant" "Token has been expired or revoked."`),
			want: ErrAuthExpired,
		},
		{
			name: "expired access token wins over not found",
			err:  failed(1, "expired_access_token\nIs there a repository at the following location?"),
			want: ErrAuthExpired,
		},
		{
			name: "401",
			err:  failed(1, "HTTP error 401 Unauthorized"),
			want: ErrAuthExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.ErrorIs(t, got, tt.want)

			var execErr *process.ExecError
			assert.True(t, errors.As(got, &execErr), "original error must stay reachable")
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.Nil(t, Classify(nil))

	plain := errors.New("does not exist")
	assert.Same(t, plain, Classify(plain), "non exec errors are left alone")

	aborted := &process.ExecError{Kind: process.KindAborted, Command: "restic", Stderr: "does not exist"}
	got := Classify(aborted)
	assert.True(t, process.IsAborted(got))
	assert.False(t, errors.Is(got, ErrRepoNotFound))

	generic := &process.ExecError{Kind: process.KindFailed, Command: "restic", ExitCode: 1, Stderr: "Fatal: wrong password"}
	assert.Same(t, error(generic), Classify(generic))
}

func TestCredentialError(t *testing.T) {
	err := &CredentialError{Provider: models.ProviderGoogleDrive, Err: errors.New("token has no access_token")}
	assert.Contains(t, err.Error(), "Google Drive")
	assert.Contains(t, err.Error(), "reconnect")
	assert.Contains(t, err.Error(), "token has no access_token")
}

func TestRekeyResult_String(t *testing.T) {
	assert.Equal(t, "success", RekeySuccess.String())
	assert.Equal(t, "repo_not_found", RekeyRepoNotFound.String())
}

// recordingRunner captures commands without executing them.
type recordingRunner struct {
	binDir string
	out    []byte
	err    error
	cmds   []process.Command
}

func (r *recordingRunner) Run(_ context.Context, c process.Command) ([]byte, error) {
	r.cmds = append(r.cmds, c)
	return r.out, r.err
}

func (r *recordingRunner) BinDir() string {
	return r.binDir
}

type fakeCreds map[models.Provider]*models.ProviderCredentials

func (f fakeCreds) Credentials(_ context.Context, p models.Provider) (*models.ProviderCredentials, error) {
	c, ok := f[p]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return c, nil
}

func testCreds() fakeCreds {
	return fakeCreds{
		models.ProviderDropbox: {
			Provider: models.ProviderDropbox,
			Type:     "dropbox",
			Token:    `{"access_token":"sl.valid","account_id":"dbid:123"}`,
			AppKey:   "app-key",
		},
		models.ProviderGoogleDrive: {
			Provider: models.ProviderGoogleDrive,
			ClientID: "client-1",
			Token:    `{"access_token":"ya29.valid"}`,
		},
	}
}

func TestRestic_WindowsArguments(t *testing.T) {
	runner := &recordingRunner{binDir: `C:\Program Files\Cloudsnap\bin`}
	r := NewRestic(runner, testCreds(), zerolog.Nop(), WithPlatform("windows"))
	site := &models.Site{ID: "s1", Path: `C:\Users\Jane Doe\Local Sites\blog`, LocalBackupRepoID: "repo-1"}

	require.NoError(t, r.Init(context.Background(), models.ProviderDropbox, "repo-1", "secret", site))
	require.Len(t, runner.cmds, 1)

	cmd := runner.cmds[0]
	assert.Equal(t, "restic", cmd.Name)
	assert.Equal(t, []string{
		"--repo", "rclone:dropbox:repo-1",
		"--password-command", "cmd /C echo %CLOUDSNAP_RESTIC_PASSWORD%",
		"-o", "rclone.program=../../../../PROGRA~1/Cloudsnap/bin/rclone.exe",
		"init",
	}, cmd.Args)
	assert.Equal(t, site.Path, cmd.Dir)
	assert.Equal(t, "secret", cmd.Env[PasswordEnv])
	assert.NotContains(t, cmd.Args, "secret")
}

func TestRestic_UnixArguments(t *testing.T) {
	runner := &recordingRunner{binDir: "/opt/cloudsnap/bin"}
	r := NewRestic(runner, testCreds(), zerolog.Nop(), WithPlatform("linux"))

	require.NoError(t, r.Init(context.Background(), models.ProviderGoogleDrive, "repo-9", "pw", nil))
	require.Len(t, runner.cmds, 1)

	cmd := runner.cmds[0]
	assert.Equal(t, []string{
		"--repo", "rclone:drive:Local Backups/repo-9",
		"--password-command", "printenv CLOUDSNAP_RESTIC_PASSWORD",
		"init",
	}, cmd.Args)
	assert.Equal(t, "drive", cmd.Env["RCLONE_CONFIG_DRIVE_TYPE"])
	assert.Equal(t, "client-1", cmd.Env["RCLONE_CONFIG_DRIVE_CLIENT_ID"])
	assert.Equal(t, `{"access_token":"ya29.valid"}`, cmd.Env["RCLONE_CONFIG_DRIVE_TOKEN"])
	assert.NotEmpty(t, cmd.Dir, "catalog-only operations run in a scratch directory")
}

func TestRestic_MissingCredentials(t *testing.T) {
	runner := &recordingRunner{}
	r := NewRestic(runner, fakeCreds{}, zerolog.Nop())

	err := r.Init(context.Background(), models.ProviderDropbox, "repo-1", "pw", nil)
	var credErr *CredentialError
	require.True(t, errors.As(err, &credErr), "got %v", err)
	assert.Equal(t, models.ProviderDropbox, credErr.Provider)
	assert.Empty(t, runner.cmds)
}

func TestSnapshotPath(t *testing.T) {
	assert.Equal(t, "/home/jane/sites/blog", snapshotPath("/home/jane/sites/blog/"))
	assert.Equal(t, "/C/Users/Jane Doe/Local Sites/blog", snapshotPath(`C:\Users\Jane Doe\Local Sites\blog`))
}
