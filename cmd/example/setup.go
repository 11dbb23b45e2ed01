package main

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/kms"
	"github.com/godaddy/asherah/go/fileencryption/pkg/repair"
)

// App holds the components shared by all commands.
type App struct {
	Factory *fileencryption.SessionFactory
	Util    *fileencryption.Util

	closers []func() error
}

// NewApp wires the storage, settings store, file cache and passphrase source selected by the options.
func NewApp(ctx context.Context) (*App, error) {
	if err := os.MkdirAll(opts.Root, 0o750); err != nil {
		return nil, errors.Wrapf(err, "error creating %s", opts.Root)
	}

	app := &App{}

	settings, closeSettings, err := CreateSettingsStore(ctx)
	if err != nil {
		return nil, err
	}

	app.closers = append(app.closers, closeSettings)

	files, closeFiles, err := CreateFileCache()
	if err != nil {
		app.Close()
		return nil, err
	}

	app.closers = append(app.closers, closeFiles)

	source, err := CreatePassphraseSource()
	if err != nil {
		app.Close()
		return nil, err
	}

	configOpts := []fileencryption.ConfigOption{
		fileencryption.WithKeypairBits(opts.KeypairBits),
		fileencryption.WithVersionSearchRange(opts.VersionRange),
	}

	if opts.LegacySupport {
		configOpts = append(configOpts, fileencryption.WithLegacySupport())
	}

	config, err := fileencryption.LoadConfig(ctx, settings, configOpts...)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Factory = fileencryption.NewSessionFactory(
		config,
		afero.NewBasePathFs(afero.NewOsFs(), opts.Root),
		files,
		settings,
		fileencryption.WithPassphraseSource(source),
		fileencryption.WithMetrics(opts.Metrics),
	)
	app.Util = app.Factory.Util

	return app, nil
}

// Close releases every resource in reverse order of creation.
func (a *App) Close() {
	if a.Factory != nil {
		a.Factory.Close()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.WithError(err).Warn("error closing resource")
		}
	}
}

// Unlocker returns the master key unlocker in master key mode and the password unlocker otherwise.
func (a *App) Unlocker() repair.Unlocker {
	if a.Factory.Config.MasterKeyEnabled() {
		return repair.MasterKeyUnlocker(a.Factory)
	}

	passwords := make(map[string][]byte, len(opts.Passwords))
	for uid, pw := range opts.Passwords {
		passwords[uid] = []byte(pw)
	}

	return repair.PasswordUnlocker(a.Factory, passwords)
}

// Session returns an initialized session of uid.
func (a *App) Session(ctx context.Context, uid string) (*fileencryption.Session, error) {
	return a.Unlocker().Unlock(ctx, uid)
}

// RepairOptions returns the options passed to every repair operation.
func (a *App) RepairOptions() []repair.Option {
	return []repair.Option{repair.WithLogger(logger)}
}

// UserPath returns the absolute path of rel below the files directory of uid.
func UserPath(uid, rel string) string {
	return path.Join("/", uid, fileencryption.FilesDir, rel)
}

// withApp runs fn with a new App and a context cancelled on interrupt.
func withApp(fn func(ctx context.Context, app *App) error) error {
	ctx, cancel := commandContext()
	defer cancel()

	app, err := NewApp(ctx)
	if err != nil {
		return err
	}

	defer app.Close()

	return fn(ctx, app)
}

// CreatePassphraseSource returns the source of the system passphrase selected by the options.
func CreatePassphraseSource() (fileencryption.PassphraseSource, error) {
	if opts.KMS == kmsAWS {
		return CreateAWSPassphrase()
	}

	logger.Debug("Using static passphrase...")

	return kms.StaticPassphrase(opts.StaticPassphrase), nil
}

// CreateAWSPassphrase builds an AWSPassphrase from the region options. The envelope is optional so that a new
// passphrase can be sealed.
func CreateAWSPassphrase() (*kms.AWSPassphrase, error) {
	if opts.RegionMap == "" {
		return nil, errors.New("<region>=<arn> tuples are mandatory with kms aws")
	}

	regionArnMap := make(map[string]string)

	for _, regionArn := range strings.Split(opts.RegionMap, ",") {
		parts := strings.SplitN(regionArn, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid region tuple %q", regionArn)
		}

		regionArnMap[parts[0]] = parts[1]
	}

	logger.Debug("Using AWS KMS...")

	builder := kms.NewBuilder(regionArnMap).WithPreferredRegion(opts.Region)

	if opts.Envelope != "" {
		envelope, err := os.ReadFile(opts.Envelope)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading envelope %s", opts.Envelope)
		}

		builder = builder.WithEnvelope(envelope)
	}

	return builder.Build()
}
