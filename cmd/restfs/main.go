// Command restfs mounts a remote REST file server as a local FUSE
// filesystem.
//
// Usage:
//
//	restfs [flags] mount_point
//
// Grounded on jacobsa-fuse/samples/mount_memfs/mount.go's mount/Join
// sequence and gcsfuse/cmd/root.go's cobra+viper flag wiring.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/restfs/restfs/internal/fsops"
	"github.com/restfs/restfs/internal/remote"
)

const successfulMountMessage = "File system has been successfully mounted."

var rootCmd = &cobra.Command{
	Use:   "restfs [flags] mount_point",
	Short: "Mount a remote REST file server as a local FUSE filesystem",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

// bindFlags registers restfs's flags on flagSet, mirroring gcsfuse's
// cfg.BindFlags(flagSet *pflag.FlagSet) shape.
func bindFlags(flagSet *pflag.FlagSet) {
	flagSet.String("server-url", "http://127.0.0.1:8000", "Base URL of the remote file server")
	flagSet.Duration("dir-cache-ttl", 5*time.Second, "TTL for cached directory listings")
	flagSet.Duration("file-cache-ttl", 10*time.Second, "TTL for cached file bodies")
	flagSet.Int64("max-cache-mb", 64, "Byte budget for the file-body cache, in MiB")
	flagSet.Bool("no-cache", false, "Disable the cache layer entirely")
	flagSet.Bool("daemon", false, "Fork into the background once mounted (Unix only)")
	flagSet.Bool("foreground", true, "Run in the foreground; setting this flag explicitly overrides --daemon")
	flagSet.String("temp-dir", "", "Directory for write-buffer scratch files (default: OS temp dir)")
	flagSet.Duration("request-timeout", 0, "Per-request timeout against the remote server (0 = no timeout)")
	flagSet.Bool("verbose", false, "Enable verbose logging")
	flagSet.Bool("foreground-reexec", false, "internal: set by --daemon's re-exec, do not use directly")
	_ = flagSet.MarkHidden("foreground-reexec")

	if err := viper.BindPFlags(flagSet); err != nil {
		log.Fatalf("BindPFlags: %v", err)
	}
	viper.SetEnvPrefix("RESTFS")
	viper.AutomaticEnv()
}

func init() {
	bindFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// chooseTempDirLimitNumFiles mirrors gcsfuse's ChooseTempDirLimitNumFiles:
// the write buffer registry may open one scratch file per live file handle,
// so the process's open-file limit bounds how many can safely coexist.
func chooseTempDirLimitNumFiles() int {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		const fallback = 512
		log.Printf("Getrlimit(RLIMIT_NOFILE) failed, using default %d: %v", fallback, err)
		return fallback
	}

	// Leave headroom for the mount's own fds (the FUSE device, stdio, the
	// HTTP connection pool).
	limit := int(rlimit.Cur) - 50
	if limit < 16 {
		limit = 16
	}
	return limit
}

func run(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]

	serverURL := viper.GetString("server-url")
	if serverURL == "" {
		return fmt.Errorf("--server-url is required")
	}

	mountPoint, err := filepath.Abs(mountPoint)
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}

	daemonChild := viper.GetBool("foreground-reexec")
	wantsDaemon := viper.GetBool("daemon") && !cmd.Flags().Changed("foreground")
	if wantsDaemon && !daemonChild {
		return daemonizeSelf(mountPoint)
	}

	uid, gid, err := currentUidGid()
	if err != nil {
		return err
	}

	cfg := remote.Config{
		DirTTL:            viper.GetDuration("dir-cache-ttl"),
		FileTTL:           viper.GetDuration("file-cache-ttl"),
		MaxFileCacheBytes: viper.GetInt64("max-cache-mb") * 1 << 20,
	}
	if viper.GetBool("no-cache") {
		cfg = remote.Config{}
	}

	httpClient := &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: 32},
	}
	if timeout := viper.GetDuration("request-timeout"); timeout > 0 {
		httpClient.Timeout = timeout
	}

	rc := remote.New(serverURL, httpClient, timeutil.RealClock(), cfg)

	tempDir := viper.GetString("temp-dir")
	// Logged for operators; the write buffer registry itself has no hard cap.
	log.Printf("Open-file headroom for write-buffer scratch files: %d", chooseTempDirLimitNumFiles())

	fsImpl := fsops.New(rc, fsops.Config{
		Clock:   timeutil.RealClock(),
		TempDir: tempDir,
		Uid:     uid,
		Gid:     gid,
	})

	server := fuseutil.NewFileSystemServer(fsImpl)

	mountCfg := &fuse.MountConfig{
		// Disable writeback caching so the dispatcher sees every write
		// immediately, matching the teacher's own mount_memfs rationale.
		DisableWritebackCaching: true,
	}
	if viper.GetBool("verbose") {
		mountCfg.DebugLogger = log.New(os.Stderr, "fuse: ", log.LstdFlags)
	}

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		if daemonChild {
			if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
				log.Printf("SignalOutcome: %v", sigErr)
			}
		}
		return fmt.Errorf("mount: %w", err)
	}

	if daemonChild {
		if sigErr := daemonize.SignalOutcome(nil); sigErr != nil {
			log.Printf("SignalOutcome: %v", sigErr)
		}
	} else {
		log.Println(successfulMountMessage)
	}

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	return nil
}

func currentUidGid() (uid, gid uint32, err error) {
	u, err := user.Current()
	if err != nil {
		return 0, 0, fmt.Errorf("user.Current: %w", err)
	}

	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	uid = uint32(n)

	n, err = strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	gid = uint32(n)

	return uid, gid, nil
}

// daemonizeSelf re-execs the current binary with --foreground-reexec
// prepended to the original arguments, waiting for it to signal a
// successful mount before returning — the same fork/signal handshake
// gcsfuse's legacy_main.go performs around daemonize.Run.
func daemonizeSelf(mountPoint string) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %w", err)
	}

	args := append([]string{"--foreground-reexec"}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}

	log.Println(successfulMountMessage)
	return nil
}
