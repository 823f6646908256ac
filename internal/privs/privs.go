package privs

import (
	"fmt"
	"os/user"
	"slices"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Credential system calls used by [Info.SwitchWith].
type Syscalls struct {
	Getuid    func() int
	Geteuid   func() int
	Getegid   func() int
	Setgroups func(gids []int) error
	Setresgid func(rgid, egid, sgid int) error
	Setegid   func(egid int) error
	Setuid    func(uid int) error
}

// The real system calls. The setters come from syscall, which applies them
// to every thread of the process.
var System = Syscalls{
	Getuid:    unix.Getuid,
	Geteuid:   unix.Geteuid,
	Getegid:   unix.Getegid,
	Setgroups: syscall.Setgroups,
	Setresgid: syscall.Setresgid,
	Setegid:   syscall.Setegid,
	Setuid:    syscall.Setuid,
}

// Identity to switch to.
type Info struct {
	User      string // User name, for diagnostics.
	UID       int    // User id. 0 means no switch.
	GIDs      []int  // Group ids; the first is the primary group.
	AllGroups bool   // Add every group the user is a member of.
}

// Reports whether the identity requires a switch.
func (pi *Info) Set() bool {
	return pi.UID != 0
}

// Sets the user by name or numeric id, adding its primary group.
func (pi *Info) SetUser(name string) error {
	u, err := lookupUser(name)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("%w: %s: bad uid %q", ErrNoSuchUser, name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("%w: %s: bad gid %q", ErrNoSuchUser, name, u.Gid)
	}
	pi.User = u.Username
	pi.UID = uid
	pi.AddGID(gid)
	return nil
}

// Adds a group by name or numeric id.
func (pi *Info) AddGroup(name string) error {
	g, err := user.LookupGroup(name)
	if err != nil {
		if _, nerr := strconv.Atoi(name); nerr != nil {
			return fmt.Errorf("%w: %s", ErrNoSuchGroup, name)
		}
		if g, err = user.LookupGroupId(name); err != nil {
			return fmt.Errorf("%w: %s", ErrNoSuchGroup, name)
		}
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("%w: %s: bad gid %q", ErrNoSuchGroup, name, g.Gid)
	}
	pi.AddGID(gid)
	return nil
}

// Appends gid unless already present.
func (pi *Info) AddGID(gid int) {
	if !slices.Contains(pi.GIDs, gid) {
		pi.GIDs = append(pi.GIDs, gid)
	}
}

// Adds the user's supplementary groups when AllGroups is set, then clears
// AllGroups.
func (pi *Info) ExpandUserGroups() error {
	if !pi.AllGroups || pi.UID == 0 {
		return nil
	}
	pi.AllGroups = false

	u, err := user.LookupId(strconv.Itoa(pi.UID))
	if err != nil {
		return fmt.Errorf("%w: uid %d", ErrNoSuchUser, pi.UID)
	}
	ids, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf("groups of %s: %w", u.Username, err)
	}
	for _, id := range ids {
		if gid, err := strconv.Atoi(id); err == nil {
			pi.AddGID(gid)
		}
	}
	return nil
}

// Switches the process to the identity with the real system calls.
func (pi *Info) Switch() error {
	return pi.SwitchWith(System)
}

// Switches the process to the identity through sys.
func (pi *Info) SwitchWith(sys Syscalls) error {
	uid := pi.UID
	if uid == 0 {
		return nil
	}
	if len(pi.GIDs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoGroup, pi.name())
	}

	if sys.Geteuid() == 0 {
		if err := sys.Setgroups(pi.GIDs); err != nil {
			return fmt.Errorf("%w: %v", ErrSetgroups, err)
		}
	}

	gid := pi.GIDs[0]
	if err := sys.Setresgid(gid, gid, gid); err != nil {
		if err := sys.Setegid(gid); err != nil {
			return fmt.Errorf("%w: %d: %v", ErrSetgid, gid, err)
		}
	}
	if sys.Getegid() != gid {
		return fmt.Errorf("%w: effective gid is %d, want %d", ErrSetgid, sys.Getegid(), gid)
	}

	if err := sys.Setuid(uid); err != nil {
		return fmt.Errorf("%w: %d: %v", ErrSetuid, uid, err)
	}
	if sys.Geteuid() != uid || sys.Getuid() != uid {
		return fmt.Errorf("%w: uid %d, euid %d, want %d", ErrSetuid, sys.Getuid(), sys.Geteuid(), uid)
	}

	if sys.Setuid(0) == nil {
		return ErrRegain
	}
	return nil
}

func (pi *Info) name() string {
	if pi.User != "" {
		return pi.User
	}
	return strconv.Itoa(pi.UID)
}

func lookupUser(name string) (*user.User, error) {
	u, err := user.Lookup(name)
	if err == nil {
		return u, nil
	}
	if _, nerr := strconv.Atoi(name); nerr == nil {
		if u, err := user.LookupId(name); err == nil {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchUser, name)
}
