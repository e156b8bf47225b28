// Package seed populates a freshly created branch from an external data
// source: a live postgres:// URL, a local file, or an object in S3.
package seed

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/keylty/pgbranch/internal/runtime"
)

// dumpWaitTimeout bounds how long seedFromPostgres waits for the ephemeral
// pg_dump container to finish and exit.
const dumpWaitTimeout = 5 * time.Minute

// SourceKind is the kind of external data a Source was parsed from.
type SourceKind int

const (
	SourceFile SourceKind = iota
	SourcePostgres
	SourceS3
)

// Source is a parsed seed source, ready to be dispatched to the matching
// seeding strategy.
type Source struct {
	Kind SourceKind
	Raw  string
	URL  *url.URL // set for SourcePostgres and SourceS3
	Path string    // set for SourceFile
}

// ParseSource classifies raw as a postgres(ql):// URL, an s3://bucket/key
// reference, or a local file path.
func ParseSource(raw string) (Source, error) {
	switch {
	case strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, errors.Errorf("parse postgres seed url: %w", err)
		}
		return Source{Kind: SourcePostgres, Raw: raw, URL: u}, nil
	case strings.HasPrefix(raw, "s3://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, errors.Errorf("parse s3 seed url: %w", err)
		}
		return Source{Kind: SourceS3, Raw: raw, URL: u}, nil
	default:
		path := raw
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return Source{}, errors.Errorf("resolve cwd for seed path: %w", err)
			}
			path = filepath.Join(cwd, path)
		}
		return Source{Kind: SourceFile, Raw: raw, Path: path}, nil
	}
}

// Target is where seeded data lands.
type Target struct {
	ContainerName string
	User          string
	Database      string
}

const dumpContainerPrefix = "pgbranch-dump-"

// Seed dispatches src to the matching strategy and restores it into
// target via rt.
func Seed(ctx context.Context, rt runtime.Runtime, target Target, src Source) error {
	switch src.Kind {
	case SourcePostgres:
		return seedFromPostgres(ctx, rt, target, src)
	case SourceS3:
		return seedFromS3(ctx, rt, target, src)
	default:
		return seedFromFile(ctx, rt, target, src.Path)
	}
}

// seedFromPostgres runs an ephemeral pg_dump container against src's URL
// (rewriting a loopback host to the runtime's gateway hostname so the
// ephemeral container can reach a database on the developer's own
// machine), then restores the dump into target via pg_restore.
func seedFromPostgres(ctx context.Context, rt runtime.Runtime, target Target, src Source) error {
	rewritten, err := rewriteLoopbackHost(src.Raw)
	if err != nil {
		return err
	}

	dumpContainer := dumpContainerPrefix + uuid.NewString()
	const dumpPath = "/tmp/pgbranch_dump.Fc"

	spec := runtime.StartSpec{
		ContainerName: dumpContainer,
		Image:         "postgres:17",
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
		Cmd:           []string{"pg_dump", "-Fc", rewritten, "-f", dumpPath},
	}
	if err := rt.StartBranch(ctx, spec); err != nil {
		return errors.Errorf("start dump container: %w", err)
	}
	defer rt.RemoveBranch(ctx, dumpContainer)

	exitCode, err := rt.WaitExited(ctx, dumpContainer, dumpWaitTimeout)
	if err != nil {
		return errors.Errorf("pg_dump: %w", err)
	}
	if exitCode != 0 {
		return errors.Errorf("pg_dump failed with exit code %d", exitCode)
	}

	dump, err := rt.DownloadPath(ctx, dumpContainer, dumpPath)
	if err != nil {
		return errors.Errorf("download dump: %w", err)
	}

	return restoreDump(ctx, rt, target, dump)
}

// rewriteLoopbackHost rewrites only the host component of a postgres://
// URL pointing at the developer's own machine (localhost/127.0.0.1) to
// the ephemeral container's gateway hostname, preserving port, user,
// password, path, and query exactly as given.
func rewriteLoopbackHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Errorf("parse postgres url for host rewrite: %w", err)
	}
	if host := u.Hostname(); host == "localhost" || host == "127.0.0.1" {
		if port := u.Port(); port != "" {
			u.Host = "host.docker.internal:" + port
		} else {
			u.Host = "host.docker.internal"
		}
	}
	return u.String(), nil
}

func restoreDump(ctx context.Context, rt runtime.Runtime, target Target, dump []byte) error {
	const restorePath = "/tmp/pgbranch_restore.Fc"
	if err := rt.UploadFile(ctx, target.ContainerName, "/tmp", "pgbranch_restore.Fc", dump); err != nil {
		return errors.Errorf("upload dump into target: %w", err)
	}
	res, err := rt.Exec(ctx, target.ContainerName, []string{
		"pg_restore", "-U", target.User, "-d", target.Database, "--no-owner", restorePath,
	})
	return classifyDumpRestoreFailure("pg_restore", res, err)
}

// classifyDumpRestoreFailure distinguishes a fatal dump/restore failure
// (connection refused, auth failure) from the warnings pg_restore often
// emits on an otherwise-successful run (missing extensions, ownership
// mismatches) — only the former aborts seeding.
func classifyDumpRestoreFailure(step string, res runtime.ExecResult, err error) error {
	if err != nil {
		return errors.Errorf("%s: %w", step, err)
	}
	stderr := string(res.Stderr)
	if res.ExitCode != 0 {
		if strings.Contains(stderr, "FATAL") || strings.Contains(stderr, "could not connect") {
			return errors.Errorf("%s failed: %s", step, stderr)
		}
		// Non-fatal: pg_restore often exits non-zero on ownership or
		// extension warnings that don't affect the restored data.
		return nil
	}
	return nil
}

// seedFromFile restores a local dump, dispatching on extension: .sql
// files go through psql, anything else through pg_restore.
func seedFromFile(ctx context.Context, rt runtime.Runtime, target Target, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Errorf("read seed file %s: %w", path, err)
	}

	filename := filepath.Base(path)
	destPath := "/tmp/" + filename
	if err := rt.UploadFile(ctx, target.ContainerName, "/tmp", filename, content); err != nil {
		return errors.Errorf("upload seed file into target: %w", err)
	}

	var cmd []string
	if strings.EqualFold(filepath.Ext(path), ".sql") {
		cmd = []string{"psql", "-U", target.User, "-d", target.Database, "-f", destPath}
	} else {
		cmd = []string{"pg_restore", "-U", target.User, "-d", target.Database, "--no-owner", destPath}
	}

	res, err := rt.Exec(ctx, target.ContainerName, cmd)
	return classifyDumpRestoreFailure(cmd[0], res, err)
}

// seedFromS3 downloads an s3://bucket/key object to a local temp file and
// delegates to seedFromFile.
func seedFromS3(ctx context.Context, rt runtime.Runtime, target Target, src Source) error {
	bucket := src.URL.Host
	key := strings.TrimPrefix(src.URL.Path, "/")
	if bucket == "" || key == "" {
		return errors.Errorf("invalid s3 seed source %q: need s3://bucket/key", src.Raw)
	}

	tmpDir, err := os.MkdirTemp("", "pgbranch-seed-s3-")
	if err != nil {
		return errors.Errorf("create temp dir for s3 download: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	localPath := filepath.Join(tmpDir, filepath.Base(key))
	if err := downloadS3Object(ctx, bucket, key, localPath); err != nil {
		return err
	}

	return seedFromFile(ctx, rt, target, localPath)
}
