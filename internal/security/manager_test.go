package security

import (
	"errors"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/steiler/acls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

var noOpLogger = slog.New(slog.DiscardHandler)

func skipUnprivileged(t *testing.T) {
	t.Helper()

	currentUser, err := user.Current()
	require.NoError(t, err)

	if currentUser.Uid != "0" {
		t.Skip("Skipping testing due to lack of privileges")
	}
}

func TestNewManager(t *testing.T) {
	currentUser, err := user.Current()
	require.NoError(t, err)

	if currentUser.Username == "nobody" {
		t.Skip("running as nobody")
	}

	tmpDir := t.TempDir()

	privateDir := filepath.Join(tmpDir, "private")
	require.NoError(t, os.Mkdir(privateDir, 0o700))

	publicDir := filepath.Join(tmpDir, "public")
	require.NoError(t, os.Mkdir(publicDir, 0o755))

	privateFile := filepath.Join(publicDir, "config.yml")
	require.NoError(t, os.WriteFile(privateFile, []byte("counters: {}"), 0o600))

	publicFile := filepath.Join(publicDir, "web.yml")
	require.NoError(t, os.WriteFile(publicFile, []byte("{}"), 0o644))

	c := &Config{
		RunAsUser: "nobody",
		Caps:      []cap.Value{cap.PERFMON},
		ReadPaths: []string{privateDir, publicDir, privateFile, publicFile, ""},
	}

	m, err := NewManager(c, noOpLogger)
	require.NoError(t, err)

	expected := []acl{
		{path: privateDir, entry: acls.NewEntry(acls.TAG_ACL_USER, 65534, 5)},
		{path: privateFile, entry: acls.NewEntry(acls.TAG_ACL_USER, 65534, 4)},
	}
	assert.ElementsMatch(t, expected, m.acls)

	// ACL cleanup needs CAP_FOWNER
	assert.ElementsMatch(t, []cap.Value{cap.PERFMON, cap.FOWNER}, m.Caps())
	require.NotNil(t, m.cleanup)

	// Configured caps are not modified
	assert.Equal(t, []cap.Value{cap.PERFMON}, c.Caps)

	c.RunAsUser = "illegal-user-name"

	_, err = NewManager(c, noOpLogger)
	require.Error(t, err)
}

func TestNewManagerNoACLs(t *testing.T) {
	m, err := NewManager(&Config{RunAsUser: "0"}, nil)
	require.NoError(t, err)

	assert.Empty(t, m.acls)
	assert.Nil(t, m.cleanup)
	require.NoError(t, m.DeleteACLEntries())
}

func TestContextExecNatively(t *testing.T) {
	var got string

	s := NewContext(&ContextConfig[string]{
		Name: "native",
		Func: func(s string) error {
			got = s

			return nil
		},
		ExecNatively: true,
	})

	require.NoError(t, s.Exec("hello"))
	assert.Equal(t, "hello", got)
}

func TestContextLaunch(t *testing.T) {
	skipUnprivileged(t)

	errBoom := errors.New("boom")

	type data struct {
		effective bool
		fail      bool
	}

	s := NewContext(&ContextConfig[*data]{
		Name: "launch",
		Caps: []cap.Value{cap.PERFMON},
		Func: func(d *data) error {
			var err error

			d.effective, err = cap.GetProc().GetFlag(cap.Effective, cap.PERFMON)
			if err != nil {
				return err
			}

			if d.fail {
				return errBoom
			}

			return nil
		},
		Logger: noOpLogger,
	})

	d := &data{}
	require.NoError(t, s.Exec(d))
	assert.True(t, d.effective)

	d = &data{fail: true}
	require.ErrorIs(t, s.Exec(d), errBoom)
}

func TestACLs(t *testing.T) {
	skipUnprivileged(t)

	tmpDir := t.TempDir()

	readFile := filepath.Join(tmpDir, "config.yml")
	require.NoError(t, os.WriteFile(readFile, []byte("{}"), 0o600))

	m, err := NewManager(&Config{RunAsUser: "nobody", ReadPaths: []string{readFile}}, noOpLogger)
	require.NoError(t, err)
	require.Len(t, m.acls, 1)

	require.NoError(t, m.addACLEntries())
	require.NoError(t, m.DeleteACLEntries())
}

func TestDefaultRunAsUser(t *testing.T) {
	currentUser, err := user.Current()
	require.NoError(t, err)

	name, err := DefaultRunAsUser()
	require.NoError(t, err)

	if currentUser.Uid == "0" {
		assert.Equal(t, "nobody", name)
	} else {
		assert.Equal(t, currentUser.Username, name)
	}
}

func TestPermittedCaps(t *testing.T) {
	permitted := PermittedCaps([]cap.Value{cap.PERFMON, cap.SYS_ADMIN})

	for _, v := range permitted {
		ok, err := cap.GetProc().GetFlag(cap.Permitted, v)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Empty(t, PermittedCaps(nil))
}
