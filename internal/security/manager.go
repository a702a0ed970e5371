// Package security implements privilege management and execution of
// privileged actions in security contexts.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"slices"
	"strconv"
	"syscall"

	"github.com/steiler/acls"
	"github.com/wneessen/go-fileperm"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Permission bits of ACL entries.
const (
	permRead    uint16 = 4
	permExecute uint16 = 1
)

// Config configures the privilege drop.
type Config struct {
	RunAsUser string      // Change to this user if started as root
	Caps      []cap.Value // Capabilities kept in the permitted set
	ReadPaths []string    // Paths that RunAsUser must be able to read
}

type acl struct {
	path  string
	entry *acls.ACLEntry
}

// Manager drops root privileges while keeping the capabilities and file
// access the process needs.
type Manager struct {
	logger    *slog.Logger
	runAsUser *user.User
	caps      []cap.Value
	acls      []acl
	cleanup   *Context[[]acl]
}

// NewManager returns a new instance of security manager.
func NewManager(c *Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		logger: logger,
		caps:   slices.Clone(c.Caps),
	}

	runAsUser, err := lookupUser(c.RunAsUser)
	if err != nil {
		return nil, err
	}

	m.runAsUser = runAsUser

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	uid, err := strconv.ParseUint(runAsUser.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to convert user UID to uint32: %w", err)
	}

	for _, path := range c.ReadPaths {
		if path == "" {
			continue
		}

		perms, err := fileperm.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get path permissions: %w", err)
		}

		// Directories need rx to be listed and traversed
		need := permRead
		if perms.Stat.IsDir() {
			need |= permExecute
		}

		if canAccess(perms, currentUser.Uid == runAsUser.Uid, need) {
			continue
		}

		m.acls = append(m.acls, acl{path: path, entry: acls.NewEntry(acls.TAG_ACL_USER, uint32(uid), need)})
	}

	// Removing ACLs at shutdown needs CAP_FOWNER once root is gone
	if len(m.acls) > 0 {
		if !slices.Contains(m.caps, cap.FOWNER) {
			m.caps = append(m.caps, cap.FOWNER)
		}

		m.cleanup = NewContext(&ContextConfig[[]acl]{
			Name:   "delete_acl_entries",
			Caps:   []cap.Value{cap.FOWNER},
			Func:   deleteACLEntries,
			Logger: logger,
		})
	}

	return m, nil
}

// DefaultRunAsUser returns nobody when the process runs as root and the
// current user otherwise.
func DefaultRunAsUser() (string, error) {
	currentUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}

	if currentUser.Uid == "0" {
		return "nobody", nil
	}

	return currentUser.Username, nil
}

// PermittedCaps returns the subset of caps that is in the permitted set of
// the process.
func PermittedCaps(caps []cap.Value) []cap.Value {
	proc := cap.GetProc()

	var permitted []cap.Value

	for _, v := range caps {
		if ok, err := proc.GetFlag(cap.Permitted, v); err == nil && ok {
			permitted = append(permitted, v)
		}
	}

	return permitted
}

// lookupUser looks name up as a user name first and then as a UID.
func lookupUser(name string) (*user.User, error) {
	u, err := user.Lookup(name)
	if err == nil {
		return u, nil
	}

	u, errID := user.LookupId(name)
	if errID == nil {
		return u, nil
	}

	return nil, fmt.Errorf("could not lookup %s: %w", name, errors.Join(err, errID))
}

// DropPrivileges switches from root to the run as user keeping only the
// configured capabilities in the permitted set. When not running as root
// the capabilities are reduced to the configured ones, if any exist.
func (m *Manager) DropPrivileges(enableEffective bool) error {
	if syscall.Geteuid() != 0 {
		// Nothing to drop for unprivileged processes
		if diff, err := cap.GetProc().Cf(cap.NewSet()); err == nil && diff == 0 {
			return nil
		}

		return setCapabilities(m.caps, enableEffective)
	}

	if err := m.addACLEntries(); err != nil {
		return err
	}

	if err := m.changeUser(); err != nil {
		return err
	}

	// Parents without rx for others can still hide paths
	for _, a := range m.acls {
		if _, err := os.Stat(a.path); err != nil {
			return fmt.Errorf("could not reach path %s after changing user to %s", a.path, m.runAsUser.Username)
		}
	}

	return setCapabilities(m.caps, enableEffective)
}

// Caps returns the capabilities kept after dropping privileges.
func (m *Manager) Caps() []cap.Value {
	return slices.Clone(m.caps)
}

// DeleteACLEntries removes the ACL entries added by DropPrivileges.
func (m *Manager) DeleteACLEntries() error {
	if len(m.acls) == 0 {
		return nil
	}

	if m.cleanup == nil {
		return ErrNoSecurityCtx
	}

	if err := m.cleanup.Exec(m.acls); err != nil {
		return fmt.Errorf("failed to remove ACLs in a security context: %w", err)
	}

	return nil
}

// addACLEntries adds ACL entries to paths.
func (m *Manager) addACLEntries() error {
	for _, a := range m.acls {
		entries := &acls.ACL{}

		if err := entries.Load(a.path, acls.PosixACLAccess); err != nil {
			return fmt.Errorf("failed to load acl entries: %w", err)
		}

		if err := entries.AddEntry(a.entry); err != nil {
			return fmt.Errorf("failed to add acl entry %s err: %w", a.entry, err)
		}

		if err := entries.Apply(a.path, acls.PosixACLAccess); err != nil {
			return fmt.Errorf("failed to apply acl entries %s to path %s err: %w", entries, a.path, err)
		}

		m.logger.Debug("ACL applied", "path", a.path, "acl", a.entry)
	}

	return nil
}

// changeUser switches the current user to run as user.
func (m *Manager) changeUser() error {
	uid, err := strconv.Atoi(m.runAsUser.Uid)
	if err != nil {
		return fmt.Errorf("could not parse UID %s as int: %w", m.runAsUser.Uid, err)
	}

	gid, err := strconv.Atoi(m.runAsUser.Gid)
	if err != nil {
		return fmt.Errorf("could not parse GID %s as int: %w", m.runAsUser.Gid, err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("could not set gid to %d: %w", gid, err)
	}

	// cap.SetUID keeps permitted capabilities across the switch
	if err := cap.SetUID(uid); err != nil {
		return fmt.Errorf("could not setuid to %d: %w", uid, err)
	}

	m.logger.Debug("Current user changed after dropping privileges", "username", m.runAsUser.Username)

	return os.Setenv("HOME", m.runAsUser.HomeDir)
}

// setCapabilities replaces the capabilities of the process with caps in
// the permitted set. The effective set is only raised when asked to and
// nothing is inheritable.
func setCapabilities(caps []cap.Value, enableEffective bool) error {
	set := cap.NewSet()

	if len(caps) > 0 {
		if err := set.SetFlag(cap.Permitted, true, caps...); err != nil {
			return fmt.Errorf("error setting permitted setcap: %w", err)
		}

		if err := set.SetFlag(cap.Effective, enableEffective, caps...); err != nil {
			return fmt.Errorf("error setting effective setcap: %w", err)
		}
	}

	if err := set.SetProc(); err != nil {
		return fmt.Errorf("error setting new process capabilities via setcap: %w", err)
	}

	return nil
}

// canAccess returns true if the run as user already has the need
// permission bits on the path. The owner bits apply when the run as user
// is the current user and the bits of others otherwise.
func canAccess(p fileperm.PermUser, sameUser bool, need uint16) bool {
	if sameUser {
		if need&permExecute != 0 {
			return p.UserReadExecutable()
		}

		return p.UserReadable()
	}

	mode := p.Stat.Mode().Perm()

	if need&permRead != 0 && mode&fileperm.OsOthR == 0 {
		return false
	}

	if need&permExecute != 0 && mode&fileperm.OsOthX == 0 {
		return false
	}

	return true
}

// deleteACLEntries deletes ACL entries inside a security context.
func deleteACLEntries(entries []acl) error {
	for _, a := range entries {
		current := &acls.ACL{}

		if err := current.Load(a.path, acls.PosixACLAccess); err != nil {
			return err
		}

		current.DeleteEntry(a.entry)

		if err := current.Apply(a.path, acls.PosixACLAccess); err != nil {
			return err
		}
	}

	return nil
}
