package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/jessevdk/go-flags"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	felog "github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

const (
	storeMemory = "memory"
	storeMySQL  = "mysql"
	storeSQLite = "sqlite"
	cacheBadger = "badger"
	kmsAWS      = "aws"
)

type Options struct {
	Root             string            `short:"R" long:"root" env:"FE_ROOT" default:"./data" description:"Directory holding the user homes and the key store"`
	Settings         string            `long:"settings" env:"FE_SETTINGS" default:"memory" choice:"memory" choice:"mysql" choice:"sqlite" description:"Settings store to use"`
	ConnectionString string            `short:"C" long:"conn" env:"FE_CONN" description:"MySQL connection string or SQLite file of the settings store"`
	CreateTables     bool              `long:"create-tables" description:"Creates the settings tables if they do not exist"`
	FileCache        string            `long:"file-cache" env:"FE_FILE_CACHE" default:"memory" choice:"memory" choice:"badger" description:"File cache to use"`
	BadgerDir        string            `long:"badger-dir" env:"FE_BADGER_DIR" default:"./filecache" description:"Directory of the badger file cache"`
	KMS              string            `long:"kms" env:"FE_KMS" default:"static" choice:"static" choice:"aws" description:"Source of the system passphrase"`
	StaticPassphrase string            `long:"static-passphrase" env:"FE_STATIC_PASSPHRASE" default:"thisIsAStaticPassphraseForTesting" description:"System passphrase used with the static kms"`
	Region           string            `long:"region" env:"FE_REGION" description:"Preferred AWS region"`
	RegionMap        string            `long:"map" env:"FE_REGION_MAP" description:"Comma separated list of <region>=<kms_arn> tuples"`
	Envelope         string            `long:"envelope" env:"FE_ENVELOPE" description:"File holding the sealed system passphrase"`
	Passwords        map[string]string `short:"p" long:"password" description:"Login password of a user as uid:password. May be repeated."`
	LegacySupport    bool              `long:"legacy" description:"Enables reading the legacy key and content formats"`
	VersionRange     int               `long:"version-range" default:"5" description:"Number of versions above the recorded one tried when fixing versions"`
	KeypairBits      int               `long:"keypair-bits" default:"4096" description:"RSA modulus size of new keypairs"`
	Verbose          bool              `short:"v" long:"verbose" description:"Enables debug logging"`
	Metrics          bool              `short:"m" long:"metrics" description:"Dumps metrics to stderr once the command completes"`
	ShowAll          bool              `short:"a" long:"all" description:"Print all metrics even if they were not executed"`
}

var (
	opts   Options
	parser = flags.NewParser(&opts, flags.Default)
	logger = logrus.New()
)

func init() {
	commands := []struct {
		name, short, long string
		data              interface{}
	}{
		{"setup", "Create the keys of a user", "Creates the directories and the keypair of a user.", &setupCommand{}},
		{"put", "Encrypt stdin into a file", "Writes stdin encrypted to a path below the user's files directory.", &putCommand{}},
		{"cat", "Decrypt a file to stdout", "Reads a file below the user's files directory and writes the plaintext to stdout.", &catCommand{}},
		{"encrypt-all", "Encrypt every file of a user", "Encrypts the plain and legacy files of a user in place.", &encryptAllCommand{}},
		{"decrypt-all", "Decrypt every file of a user", "Decrypts every file of a user in place and removes the user's key tree.", &decryptAllCommand{}},
		{"share", "Reseal the key of a file", "Reseals the key of a file for exactly the given recipients.", &shareCommand{}},
		{"orphans", "Find keys of deleted files", "Lists, and with --clean removes, key folders whose file no longer exists.", &orphansCommand{}},
		{"fix-key-location", "Move misplaced keys", "Moves keys that are stored at a wrong location to the canonical one.", &fixKeyLocationCommand{}},
		{"find-key", "Search a lost key", "Searches the key store for a key that opens a file whose key is missing or broken.", &findKeyCommand{}},
		{"fix-version", "Repair encrypted versions", "Repairs file cache records whose encrypted version does not match the content.", &fixVersionCommand{}},
		{"drop-legacy-keys", "Reseal legacy file keys", "Reseals file keys stored in the legacy format in the current format.", &dropLegacyKeysCommand{}},
		{"fix-legacy-format", "Rewrite legacy content", "Rewrites files holding legacy content in the current format.", &fixLegacyFormatCommand{}},
		{"migrate", "Migrate the key layout", "Moves keys from the legacy keyfiles layout to the current one.", &migrateCommand{}},
		{"enable-master-key", "Enable master key mode", "Switches the installation to master key mode. The switch is one way.", &enableMasterKeyCommand{}},
		{"recovery", "Manage the recovery key", "Enables or disables the recovery key and recovers the files of a user.", &recoveryCommand{}},
		{"seal-passphrase", "Seal the system passphrase", "Encrypts the system passphrase with AWS KMS in every configured region.", &sealCommand{}},
	}

	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}

	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if command == nil {
			return nil
		}

		configureLogging()

		return command.Execute(args)
	}
}

func configureLogging() {
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
		felog.SetLogger(logger)
	}
}

// commandContext returns a context that is cancelled on SIGINT or SIGTERM, so batch operations stop between files.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	_, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}

		// the parser already printed err
		os.Exit(1)
	}

	if opts.Metrics {
		fmt.Fprintln(w, "Secrets allocated:", securememory.AllocCounter.Count())
		PrintAllMetrics()
		PrintColoredJSON("Metrics:", metrics.DefaultRegistry)
	}
}
