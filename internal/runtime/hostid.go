package runtime

import "os"

// HostUIDGID returns the current process's UID/GID on POSIX systems so a
// bind-mounted data directory stays host-owned inside the container. It
// returns (nil, nil) on platforms without a meaningful UID/GID (Windows),
// matching the original's POSIX-only behavior without shelling out to
// `id -u`/`id -g` — os.Getuid/os.Getgid already give the same answer.
func HostUIDGID() (*int, *int) {
	uid := os.Getuid()
	gid := os.Getgid()
	if uid < 0 || gid < 0 {
		return nil, nil
	}
	return &uid, &gid
}
