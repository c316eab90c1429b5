// Command myfs manages encrypted MyFS volumes: single-file containers
// whose key material lives in a separate metadata companion file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/meigma/myfs"
)

const usage = `Usage: myfs <command> [flags]

Commands:
  create       create a new volume
  info         show volume details
  list         list stored files
  import       store a file in the volume
  export       write a stored file back to disk
  rm           soft-delete a stored file
  recover      restore a soft-deleted file
  purge        permanently drop soft-deleted files
  passwd       change the master password
  file-passwd  set, change, or remove a file password
  verify       check the integrity of every stored file
  repair       open a volume using a backup metadata file

Run "myfs <command> --help" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "myfs: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "myfs: %v\n", err)
		os.Exit(1)
	}
}

var commands = map[string]func(args []string) error{
	"create":      runCreate,
	"info":        runInfo,
	"list":        runList,
	"import":      runImport,
	"export":      runExport,
	"rm":          runRemove,
	"recover":     runRecover,
	"purge":       runPurge,
	"passwd":      runPasswd,
	"file-passwd": runFilePasswd,
	"verify":      runVerify,
	"repair":      runRepair,
}

// volumeFlags holds the flags every command shares.
type volumeFlags struct {
	volume   string
	metadata string
	logLevel string
}

func newFlagSet(name string) (*pflag.FlagSet, *volumeFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	vf := &volumeFlags{}
	fs.StringVarP(&vf.volume, "volume", "v", "vault.myfs", "volume file path")
	fs.StringVarP(&vf.metadata, "metadata", "m", "vault.meta", "metadata file path")
	fs.StringVar(&vf.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	return fs, vf
}

func (vf *volumeFlags) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(vf.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// promptPassword reads a password without echo, preferring the
// MYFS_PASSWORD environment variable for non-interactive use.
func promptPassword(label string) ([]byte, error) {
	if pw := os.Getenv("MYFS_PASSWORD"); pw != "" {
		return []byte(pw), nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}

func openVolume(vf *volumeFlags, opts ...myfs.Option) (*myfs.Volume, error) {
	pw, err := promptPassword("Master password")
	if err != nil {
		return nil, err
	}
	opts = append(opts, myfs.WithLogger(vf.logger()))
	return myfs.Open(vf.volume, vf.metadata, pw, opts...)
}

func runCreate(args []string) error {
	fs, vf := newFlagSet("create")
	overwrite := fs.Bool("overwrite", false, "replace an existing volume")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pw, err := promptPassword("New master password")
	if err != nil {
		return err
	}
	v, err := myfs.Create(vf.volume, vf.metadata, pw,
		myfs.WithLogger(vf.logger()),
		myfs.WithOverwrite(*overwrite))
	if err != nil {
		return err
	}
	defer v.Close()

	info := v.Info()
	fmt.Printf("created %s (id %s), metadata at %s\n", info.Path, info.VolumeID, info.MetadataPath)
	fmt.Println("keep the metadata file safe: the volume cannot be opened without it")
	return nil
}

func runInfo(args []string) error {
	fs, vf := newFlagSet("info")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	info := v.Info()
	fmt.Printf("volume:    %s\n", info.Path)
	fmt.Printf("metadata:  %s\n", info.MetadataPath)
	fmt.Printf("id:        %s\n", info.VolumeID)
	fmt.Printf("version:   %s\n", info.Version)
	fmt.Printf("created:   %s\n", info.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("files:     %d live, %d deleted\n", info.LiveFiles, info.DeletedFiles)
	return nil
}

func runList(args []string) error {
	fs, vf := newFlagSet("list")
	all := fs.BoolP("all", "a", false, "include soft-deleted files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	entries := v.List(*all)
	if len(entries) == 0 {
		fmt.Println("volume is empty")
		return nil
	}
	for _, e := range entries {
		flags := ""
		if e.PasswordProtected {
			flags += " [protected]"
		}
		if e.Compression != myfs.CompressionNone {
			flags += fmt.Sprintf(" [%s]", e.Compression)
		}
		if e.Deleted {
			flags += " [deleted]"
		}
		fmt.Printf("%10d  %s  %s%s\n",
			e.OriginalSize, e.ImportTime.Format("2006-01-02 15:04"), e.Name, flags)
	}
	return nil
}

func runImport(args []string) error {
	fs, vf := newFlagSet("import")
	protect := fs.BoolP("protect", "p", false, "seal the file under its own password")
	compress := fs.Bool("compress", false, "zstd-compress the content before encryption")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("import: at least one file path required")
	}

	var opts []myfs.Option
	if *compress {
		opts = append(opts, myfs.WithCompression(myfs.CompressionZstd))
	}
	v, err := openVolume(vf, opts...)
	if err != nil {
		return err
	}
	defer v.Close()

	var filePassword []byte
	if *protect {
		if filePassword, err = promptPassword("File password"); err != nil {
			return err
		}
	}
	for _, path := range fs.Args() {
		entry, err := v.ImportFile(path, filePassword)
		if err != nil {
			return err
		}
		fmt.Printf("imported %s (%d bytes)\n", entry.Name, entry.OriginalSize)
	}
	return nil
}

func runExport(args []string) error {
	fs, vf := newFlagSet("export")
	out := fs.StringP("output", "o", "", "destination path (defaults to the file name)")
	protected := fs.BoolP("protected", "p", false, "prompt for the file password")
	force := fs.Bool("force", false, "fall back to the master key for protected files")
	raw := fs.Bool("raw", false, "export the stored ciphertext without decrypting")
	recoverSrc := fs.Bool("recover", false, "fall back to the recorded source path on failure")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("export: exactly one file name required")
	}
	name := fs.Arg(0)

	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	exportOpts := []myfs.ExportOption{
		myfs.ExportWithForce(*force),
		myfs.ExportWithRaw(*raw),
		myfs.ExportWithRecover(*recoverSrc),
	}
	if *protected {
		pw, err := promptPassword("File password")
		if err != nil {
			return err
		}
		exportOpts = append(exportOpts, myfs.ExportWithPassword(pw))
	}

	dest := *out
	if dest == "" {
		dest = name
	}
	if err := v.ExportTo(name, dest, exportOpts...); err != nil {
		return err
	}
	fmt.Printf("exported %s to %s\n", name, dest)
	return nil
}

func runRemove(args []string) error {
	fs, vf := newFlagSet("rm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("rm: at least one file name required")
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	for _, name := range fs.Args() {
		if err := v.Delete(name); err != nil {
			return err
		}
		fmt.Printf("deleted %s (recoverable until purge)\n", name)
	}
	return nil
}

func runRecover(args []string) error {
	fs, vf := newFlagSet("recover")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("recover: at least one file name required")
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	for _, name := range fs.Args() {
		if err := v.Recover(name); err != nil {
			return err
		}
		fmt.Printf("recovered %s\n", name)
	}
	return nil
}

func runPurge(args []string) error {
	fs, vf := newFlagSet("purge")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	purged, err := v.Purge()
	if err != nil {
		return err
	}
	fmt.Printf("purged %d file(s)\n", purged)
	return nil
}

func runPasswd(args []string) error {
	fs, vf := newFlagSet("passwd")
	force := fs.Bool("force", false, "skip entries whose content no longer decrypts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	oldPw, err := promptPassword("Current master password")
	if err != nil {
		return err
	}
	newPw, err := promptPassword("New master password")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm new master password")
	if err != nil {
		return err
	}
	if string(newPw) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	if err := v.ChangeMasterPassword(oldPw, newPw, myfs.RekeyWithForce(*force)); err != nil {
		return err
	}
	fmt.Println("master password changed")
	return nil
}

func runFilePasswd(args []string) error {
	fs, vf := newFlagSet("file-passwd")
	remove := fs.Bool("remove", false, "remove the file password, returning to the master key")
	force := fs.Bool("force", false, "re-key without the current password, losing content that cannot be decrypted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("file-passwd: exactly one file name required")
	}
	name := fs.Arg(0)

	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	var current []byte
	for _, e := range v.List(false) {
		if e.Name == name && e.PasswordProtected && !*force {
			if current, err = promptPassword("Current file password"); err != nil {
				return err
			}
			break
		}
	}

	var next []byte
	if !*remove {
		if next, err = promptPassword("New file password"); err != nil {
			return err
		}
	}
	if err := v.SetFilePassword(name, current, next, myfs.RekeyWithForce(*force)); err != nil {
		return err
	}
	if *remove {
		fmt.Printf("removed file password from %s\n", name)
	} else {
		fmt.Printf("file password set on %s\n", name)
	}
	return nil
}

func runVerify(args []string) error {
	fs, vf := newFlagSet("verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v, err := openVolume(vf)
	if err != nil {
		return err
	}
	defer v.Close()

	violations, err := v.VerifyIntegrity(context.Background())
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		fmt.Println("all files verified")
		return nil
	}
	for _, viol := range violations {
		fmt.Printf("FAIL %s\n", viol)
	}
	return fmt.Errorf("%d integrity violation(s)", len(violations))
}

func runRepair(args []string) error {
	fs, vf := newFlagSet("repair")
	backup := fs.String("backup-metadata", "", "alternate metadata file to open the volume with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *backup == "" {
		return fmt.Errorf("repair: --backup-metadata is required")
	}

	pw, err := promptPassword("Master password")
	if err != nil {
		return err
	}
	v, err := myfs.Repair(vf.volume, *backup, pw, myfs.WithLogger(vf.logger()))
	if err != nil {
		return err
	}
	defer v.Close()

	info := v.Info()
	fmt.Printf("volume opened via %s: %d live file(s), %d deleted\n",
		*backup, info.LiveFiles, info.DeletedFiles)
	return nil
}
