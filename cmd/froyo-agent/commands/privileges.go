package commands

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// lookupIDs resolves a user name or numeric uid to its uid and primary gid.
func lookupIDs(name string) (uid, gid int, err error) {
	var u *user.User
	if _, perr := strconv.Atoi(name); perr == nil {
		u, err = user.LookupId(name)
	} else {
		u, err = user.Lookup(name)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("unknown user %q: %w", name, err)
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return 0, 0, fmt.Errorf("user %q: bad uid %q", name, u.Uid)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return 0, 0, fmt.Errorf("user %q: bad gid %q", name, u.Gid)
	}
	return uid, gid, nil
}

// dropPrivileges switches every thread to the given user. With keepBoot
// the process keeps CAP_SYS_BOOT and passes it on to the programs it runs.
func dropPrivileges(name string, keepBoot bool) error {
	uid, gid, err := lookupIDs(name)
	if err != nil {
		return err
	}

	if keepBoot {
		if _, _, errno := syscall.AllThreadsSyscall(unix.SYS_PRCTL, unix.PR_SET_KEEPCAPS, 1, 0); errno != 0 {
			return fmt.Errorf("keep capabilities: %w", errno)
		}
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	if !keepBoot {
		return nil
	}

	bit := uint32(1) << unix.CAP_SYS_BOOT
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{{Effective: bit, Permitted: bit, Inheritable: bit}}
	if _, _, errno := syscall.AllThreadsSyscall(unix.SYS_CAPSET,
		uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0); errno != 0 {
		return fmt.Errorf("capset: %w", errno)
	}
	if _, _, errno := syscall.AllThreadsSyscall6(unix.SYS_PRCTL, unix.PR_CAP_AMBIENT,
		unix.PR_CAP_AMBIENT_RAISE, unix.CAP_SYS_BOOT, 0, 0, 0); errno != 0 {
		return fmt.Errorf("raise ambient CAP_SYS_BOOT: %w", errno)
	}
	return nil
}
