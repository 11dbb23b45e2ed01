package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/logrusorgru/aurora"
	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/repair"
)

type userArg struct {
	UID string `positional-arg-name:"uid" description:"User id"`
}

type fileArgs struct {
	UID  string `positional-arg-name:"uid" description:"User id"`
	Path string `positional-arg-name:"path" description:"Path relative to the user's files directory"`
}

type setupCommand struct {
	Args userArg `positional-args:"yes" required:"yes"`
}

func (c *setupCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		password, ok := opts.Passwords[c.Args.UID]
		if !ok && !app.Factory.Config.MasterKeyEnabled() {
			return errors.Errorf("no password given for %s", c.Args.UID)
		}

		if err := app.Util.SetupServerSide(ctx, c.Args.UID, []byte(password)); err != nil {
			return err
		}

		fmt.Println(aurora.Green("ready:"), c.Args.UID)

		return nil
	})
}

type putCommand struct {
	Append bool     `long:"append" description:"Appends stdin to the existing content"`
	Args   fileArgs `positional-args:"yes" required:"yes"`
}

func (c *putCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		s, err := app.Session(ctx, c.Args.UID)
		if err != nil {
			return err
		}

		defer s.Close()

		mode := fileencryption.ModeWrite
		if c.Append {
			mode = fileencryption.ModeAppend
		}

		stream, err := s.Open(ctx, UserPath(c.Args.UID, c.Args.Path), mode)
		if err != nil {
			return err
		}

		if _, err := io.Copy(stream, os.Stdin); err != nil {
			stream.Close()
			return err
		}

		if err := stream.Close(); err != nil {
			return err
		}

		logger.WithField("version", stream.Version()).Infof("wrote %s", stream.Path())

		return nil
	})
}

type catCommand struct {
	Args fileArgs `positional-args:"yes" required:"yes"`
}

func (c *catCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		s, err := app.Session(ctx, c.Args.UID)
		if err != nil {
			return err
		}

		defer s.Close()

		stream, err := s.Open(ctx, UserPath(c.Args.UID, c.Args.Path), fileencryption.ModeRead)
		if err != nil {
			return err
		}

		defer stream.Close()

		_, err = io.Copy(os.Stdout, stream)

		return err
	})
}

type encryptAllCommand struct {
	LegacyPassphrase string  `long:"legacy-passphrase" env:"FE_LEGACY_PASSPHRASE" description:"Passphrase of the legacy content"`
	Args             userArg `positional-args:"yes" required:"yes"`
}

func (c *encryptAllCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		s, err := app.Session(ctx, c.Args.UID)
		if err != nil {
			return err
		}

		defer s.Close()

		var legacyPassphrase []byte
		if c.LegacyPassphrase != "" {
			legacyPassphrase = []byte(c.LegacyPassphrase)
		}

		found, err := app.Util.EncryptAll(ctx, s, UserPath(c.Args.UID, ""), legacyPassphrase)
		if found != nil {
			PrintColoredJSON("Files:", found)
		}

		return err
	})
}

type decryptAllCommand struct {
	Args userArg `positional-args:"yes" required:"yes"`
}

func (c *decryptAllCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		s, err := app.Session(ctx, c.Args.UID)
		if err != nil {
			return err
		}

		defer s.Close()

		return app.Util.DecryptAll(ctx, s)
	})
}

type shareCommand struct {
	Recipients []string `short:"r" long:"recipient" required:"yes" description:"Principal that can open the file. May be repeated."`
	Args       fileArgs `positional-args:"yes" required:"yes"`
}

func (c *shareCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		s, err := app.Session(ctx, c.Args.UID)
		if err != nil {
			return err
		}

		defer s.Close()

		return app.Util.SetSharedFileKeyfiles(ctx, s, c.Recipients, UserPath(c.Args.UID, c.Args.Path))
	})
}

type orphansCommand struct {
	Clean bool `long:"clean" description:"Removes the orphaned key folders"`
	Yes   bool `short:"y" long:"yes" description:"Removes without asking"`
}

func (c *orphansCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		scanner := repair.NewOrphanScanner(app.Util, app.RepairOptions()...)

		orphans, err := scanner.Scan(ctx)
		if err != nil {
			return err
		}

		PrintColoredJSON("Orphans:", orphans)

		if !c.Clean || len(orphans) == 0 {
			return nil
		}

		confirm := repair.ConfirmAll
		if !c.Yes {
			confirm = prompt(os.Stdin)
		}

		report, err := scanner.Clean(ctx, orphans, confirm)
		PrintReport(report)

		return err
	})
}

// prompt asks on stderr before each deletion and reads the answer from r.
func prompt(r io.Reader) repair.Confirmer {
	in := bufio.NewReader(r)

	return repair.ConfirmFunc(func(o repair.Orphan) bool {
		fmt.Fprintf(os.Stderr, "%s %s (%s)? [y/N] ", aurora.Yellow("delete"), o.KeyDir, o.Path)

		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return false
		}

		return strings.EqualFold(strings.TrimSpace(line), "y")
	})
}

type fixKeyLocationCommand struct {
	DryRun bool    `short:"n" long:"dry-run" description:"Only reports what would be moved"`
	Args   userArg `positional-args:"yes" required:"yes"`
}

func (c *fixKeyLocationCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		fixer := repair.NewKeyLocationFixer(app.Util, app.Unlocker(), app.RepairOptions()...)

		report, err := fixer.Run(ctx, c.Args.UID, c.DryRun)
		PrintReport(report)

		return err
	})
}

type findKeyCommand struct {
	DryRun   bool     `short:"n" long:"dry-run" description:"Only reports the key that would be used"`
	AllUsers bool     `long:"all-users" description:"Also searches the key roots of every other user"`
	Args     fileArgs `positional-args:"yes" required:"yes"`
}

func (c *findKeyCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		finder := repair.NewLostKeyFinder(app.Util, app.Unlocker(), app.RepairOptions()...)

		report, err := finder.Find(ctx, UserPath(c.Args.UID, c.Args.Path), repair.FindOptions{
			DryRun:   c.DryRun,
			AllUsers: c.AllUsers,
		})
		PrintReport(report)

		return err
	})
}

type fixVersionCommand struct {
	Scope string  `long:"scope" description:"Only checks files below this path, relative to the user's files directory"`
	Args  userArg `positional-args:"yes" required:"yes"`
}

func (c *fixVersionCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		fixer := repair.NewVersionFixer(app.Util, app.Unlocker(), app.RepairOptions()...)

		report, err := fixer.Run(ctx, c.Args.UID, c.Scope)
		PrintReport(report)

		return err
	})
}

type dropLegacyKeysCommand struct {
	DryRun bool    `short:"n" long:"dry-run" description:"Only reports the files with legacy keys"`
	Args   userArg `positional-args:"yes" required:"yes"`
}

func (c *dropLegacyKeysCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		dropper := repair.NewLegacyFileKeyDropper(app.Util, app.Unlocker(), app.RepairOptions()...)

		report, err := dropper.Run(ctx, c.Args.UID, c.DryRun)
		PrintReport(report)

		return err
	})
}

type fixLegacyFormatCommand struct {
	DryRun     bool    `short:"n" long:"dry-run" description:"Only reports the files with legacy content"`
	Passphrase string  `long:"legacy-passphrase" env:"FE_LEGACY_PASSPHRASE" required:"yes" description:"Passphrase of the legacy content"`
	Args       userArg `positional-args:"yes" required:"yes"`
}

func (c *fixLegacyFormatCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		fixer := repair.NewLegacyFormatFixer(app.Util, app.Unlocker(), app.RepairOptions()...)

		report, err := fixer.FixLegacyFormat(ctx, c.Args.UID, []byte(c.Passphrase), c.DryRun)
		PrintReport(report)

		return err
	})
}

type migrateCommand struct{}

func (c *migrateCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		report, err := repair.NewFormatMigrator(app.Util, app.RepairOptions()...).Run(ctx)
		PrintReport(report)

		return err
	})
}

type enableMasterKeyCommand struct{}

func (c *enableMasterKeyCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		if err := repair.NewMasterKeyEnabler(app.Util, app.Factory.Passphrase).Enable(ctx); err != nil {
			return err
		}

		fmt.Println(aurora.Green("master key enabled:"), app.Factory.Config.MasterKeyID)

		return nil
	})
}

type recoveryCommand struct {
	Password string `long:"recovery-password" env:"FE_RECOVERY_PASSWORD" required:"yes" description:"Password of the recovery key"`
	Action   struct {
		Name string `positional-arg-name:"action" required:"yes" description:"One of enable, disable, check, opt-in, opt-out or recover"`
		UID  string `positional-arg-name:"uid" description:"User id, required by opt-in, opt-out and recover"`
	} `positional-args:"yes"`
}

func (c *recoveryCommand) Execute([]string) error {
	return withApp(func(ctx context.Context, app *App) error {
		password := []byte(c.Password)
		uid := c.Action.UID

		if uid == "" && c.Action.Name != "enable" && c.Action.Name != "disable" && c.Action.Name != "check" {
			return errors.Errorf("%s needs a uid", c.Action.Name)
		}

		switch c.Action.Name {
		case "enable":
			return app.Util.EnableRecoveryAdmin(ctx, password)
		case "disable":
			return app.Util.DisableRecoveryAdmin(ctx, password)
		case "check":
			ok, err := app.Util.CheckRecoveryPassword(password)
			if err != nil {
				return err
			}

			if !ok {
				return errors.New("wrong recovery password")
			}

			fmt.Println(aurora.Green("recovery password ok"))

			return nil
		case "opt-in", "opt-out":
			if err := app.Util.SetRecoveryForUser(ctx, uid, c.Action.Name == "opt-in"); err != nil {
				return err
			}

			s, err := app.Session(ctx, uid)
			if err != nil {
				return err
			}

			defer s.Close()

			if c.Action.Name == "opt-in" {
				return app.Util.AddRecoveryKeys(ctx, s)
			}

			return app.Util.RemoveRecoveryKeys(ctx, uid)
		case "recover":
			s, err := app.Session(ctx, uid)
			if err != nil {
				return err
			}

			defer s.Close()

			return app.Util.RecoverUsersFiles(ctx, s, password)
		}

		return errors.Errorf("unknown action %q", c.Action.Name)
	})
}

type sealCommand struct {
	Out string `short:"o" long:"out" required:"yes" description:"File the envelope is written to"`
}

func (c *sealCommand) Execute([]string) error {
	ctx, cancel := commandContext()
	defer cancel()

	source, err := CreateAWSPassphrase()
	if err != nil {
		return err
	}

	envelope, err := source.Seal(ctx, []byte(opts.StaticPassphrase))
	if err != nil {
		return err
	}

	if err := os.WriteFile(c.Out, envelope, 0o600); err != nil {
		return errors.Wrapf(err, "error writing %s", c.Out)
	}

	fmt.Println(aurora.Green("sealed passphrase in"), aurora.Bold(source.PreferredRegion()), "to", c.Out)

	return nil
}
