package privs

import (
	"errors"
	"fmt"
	"os/user"
	"slices"
	"strconv"
	"testing"
)

// Simulates process credentials and records the calls made.
type fakeCreds struct {
	uid, euid, egid int
	groups          []int
	calls           []string
	failSetresgid   bool
	failSetegid     bool
	allowRegain     bool
}

func (f *fakeCreds) syscalls() Syscalls {
	return Syscalls{
		Getuid:  func() int { return f.uid },
		Geteuid: func() int { return f.euid },
		Getegid: func() int { return f.egid },
		Setgroups: func(gids []int) error {
			f.calls = append(f.calls, fmt.Sprintf("setgroups%v", gids))
			f.groups = slices.Clone(gids)
			return nil
		},
		Setresgid: func(r, e, s int) error {
			f.calls = append(f.calls, fmt.Sprintf("setresgid(%d)", e))
			if f.failSetresgid {
				return errors.New("ENOSYS")
			}
			f.egid = e
			return nil
		},
		Setegid: func(e int) error {
			f.calls = append(f.calls, fmt.Sprintf("setegid(%d)", e))
			if f.failSetegid {
				return errors.New("EPERM")
			}
			f.egid = e
			return nil
		},
		Setuid: func(uid int) error {
			f.calls = append(f.calls, fmt.Sprintf("setuid(%d)", uid))
			if f.euid != 0 && uid != f.uid && !(uid == 0 && f.allowRegain) {
				return errors.New("EPERM")
			}
			f.uid, f.euid = uid, uid
			return nil
		},
	}
}

func TestSwitchOrder(t *testing.T) {
	f := &fakeCreds{}
	pi := &Info{UID: 1000, GIDs: []int{100, 20}}
	if err := pi.SwitchWith(f.syscalls()); err != nil {
		t.Fatalf("SwitchWith = %v", err)
	}
	want := []string{"setgroups[100 20]", "setresgid(100)", "setuid(1000)", "setuid(0)"}
	if !slices.Equal(f.calls, want) {
		t.Fatalf("calls = %v, want %v", f.calls, want)
	}
	if f.uid != 1000 || f.egid != 100 {
		t.Fatalf("uid = %d, egid = %d", f.uid, f.egid)
	}
}

func TestSwitchRootIsNoop(t *testing.T) {
	f := &fakeCreds{}
	if err := (&Info{GIDs: []int{0}}).SwitchWith(f.syscalls()); err != nil {
		t.Fatalf("SwitchWith = %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("calls = %v, want none", f.calls)
	}
}

func TestSwitchSetegidFallback(t *testing.T) {
	f := &fakeCreds{failSetresgid: true}
	pi := &Info{UID: 1000, GIDs: []int{100}}
	if err := pi.SwitchWith(f.syscalls()); err != nil {
		t.Fatalf("SwitchWith = %v", err)
	}
	if f.calls[2] != "setegid(100)" {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestSwitchGroupFailureStopsBeforeUid(t *testing.T) {
	f := &fakeCreds{failSetresgid: true, failSetegid: true}
	pi := &Info{UID: 1000, GIDs: []int{100}}
	if err := pi.SwitchWith(f.syscalls()); !errors.Is(err, ErrSetgid) {
		t.Fatalf("SwitchWith = %v, want ErrSetgid", err)
	}
	for _, c := range f.calls {
		if c == "setuid(1000)" {
			t.Fatalf("setuid called after group failure: %v", f.calls)
		}
	}
}

func TestSwitchDetectsRegain(t *testing.T) {
	f := &fakeCreds{allowRegain: true}
	pi := &Info{UID: 1000, GIDs: []int{100}}
	if err := pi.SwitchWith(f.syscalls()); !errors.Is(err, ErrRegain) {
		t.Fatalf("SwitchWith = %v, want ErrRegain", err)
	}
}

func TestSwitchUnprivilegedSkipsSetgroups(t *testing.T) {
	f := &fakeCreds{uid: 1000, euid: 1000, egid: 100}
	pi := &Info{UID: 1000, GIDs: []int{100}}
	if err := pi.SwitchWith(f.syscalls()); err != nil {
		t.Fatalf("SwitchWith = %v", err)
	}
	if f.calls[0] != "setresgid(100)" {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestSwitchRequiresGroup(t *testing.T) {
	f := &fakeCreds{}
	if err := (&Info{UID: 1000}).SwitchWith(f.syscalls()); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("SwitchWith = %v, want ErrNoGroup", err)
	}
}

func TestSetUserCurrent(t *testing.T) {
	cur, err := user.Current()
	if err != nil {
		t.Skip("no current user:", err)
	}
	var pi Info
	if err := pi.SetUser(cur.Username); err != nil {
		t.Fatalf("SetUser(%q) = %v", cur.Username, err)
	}
	if strconv.Itoa(pi.UID) != cur.Uid {
		t.Fatalf("UID = %d, want %s", pi.UID, cur.Uid)
	}
	if len(pi.GIDs) != 1 || strconv.Itoa(pi.GIDs[0]) != cur.Gid {
		t.Fatalf("GIDs = %v, want [%s]", pi.GIDs, cur.Gid)
	}

	var byID Info
	if err := byID.SetUser(cur.Uid); err != nil || byID.UID != pi.UID {
		t.Fatalf("SetUser(%q) = %v, UID %d", cur.Uid, err, byID.UID)
	}
}

func TestUnknownNames(t *testing.T) {
	var pi Info
	if err := pi.SetUser("no-such-user-smapd"); !errors.Is(err, ErrNoSuchUser) {
		t.Fatalf("SetUser = %v, want ErrNoSuchUser", err)
	}
	if err := pi.AddGroup("no-such-group-smapd"); !errors.Is(err, ErrNoSuchGroup) {
		t.Fatalf("AddGroup = %v, want ErrNoSuchGroup", err)
	}
}

func TestAddGIDDeduplicates(t *testing.T) {
	var pi Info
	pi.AddGID(5)
	pi.AddGID(7)
	pi.AddGID(5)
	if !slices.Equal(pi.GIDs, []int{5, 7}) {
		t.Fatalf("GIDs = %v", pi.GIDs)
	}
}
