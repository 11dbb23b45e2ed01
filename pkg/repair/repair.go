// Package repair implements the maintenance operations run by administrators over the key store: orphaned key
// cleanup, key relocation, lost key search, encrypted version repair, legacy key and content migration, and layout
// migration.
//
// Every batch operation is best-effort. Failures of the expected kinds (fileencryption.ErrDecryptionFailed,
// fileencryption.ErrNotFound and fileencryption.ErrValidationFailed) are recorded per file and the batch continues.
// Any other error aborts the operation. Operations never delete a key before its replacement was verified, so an
// interrupted run can be repeated.
package repair

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/godaddy/asherah/go/fileencryption"
)

// Status is the outcome for one file or key folder.
type Status string

const (
	// StatusOK means nothing needed to be done.
	StatusOK Status = "ok"
	// StatusFixed means a repair was applied and verified.
	StatusFixed Status = "fixed"
	// StatusDryRun means a repair was found but not applied.
	StatusDryRun Status = "dry-run"
	// StatusSkipped means the entry was left alone, for example because it was not confirmed.
	StatusSkipped Status = "skipped"
	// StatusFailed means the entry is still broken.
	StatusFailed Status = "failed"
)

// Result is the per-file line of a Report.
type Result struct {
	Path    string `json:"path"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// Summary counts the results of a Report by status.
type Summary struct {
	Operation string `json:"operation"`
	Total     int    `json:"total"`
	OK        int    `json:"ok"`
	Fixed     int    `json:"fixed"`
	DryRun    int    `json:"dryRun"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Report collects the results of one operation.
type Report struct {
	Operation string
	Results   []Result

	errs   *multierror.Error
	logger logrus.FieldLogger
}

func newReport(operation string, logger logrus.FieldLogger) *Report {
	return &Report{
		Operation: operation,
		logger:    logger.WithField("operation", operation),
	}
}

// Summary returns the counts of the results.
func (r *Report) Summary() Summary {
	s := Summary{Operation: r.Operation, Total: len(r.Results)}

	for _, res := range r.Results {
		switch res.Status {
		case StatusOK:
			s.OK++
		case StatusFixed:
			s.Fixed++
		case StatusDryRun:
			s.DryRun++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}

	return s
}

// Err returns every failure recorded in the report, or nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

func (r *Report) add(p string, status Status, format string, args ...interface{}) {
	res := Result{Path: p, Status: status, Message: fmt.Sprintf(format, args...)}
	r.Results = append(r.Results, res)

	r.logger.WithFields(logrus.Fields{"path": p, "status": status}).Info(res.Message)
}

// fail records err for p if it is of an expected kind and returns nil so the batch continues. Any other error is
// returned unchanged.
func (r *Report) fail(p string, err error) error {
	if !recoverable(err) {
		return err
	}

	r.Results = append(r.Results, Result{Path: p, Status: StatusFailed, Message: err.Error(), Err: err})
	r.errs = multierror.Append(r.errs, errors.WithMessagef(err, "%s", p))

	r.logger.WithFields(logrus.Fields{"path": p, "status": StatusFailed}).Error(err)

	return nil
}

// done returns the report together with the aggregated failures.
func (r *Report) done() (*Report, error) {
	s := r.Summary()

	r.logger.WithFields(logrus.Fields{
		"total":   s.Total,
		"fixed":   s.Fixed,
		"dry-run": s.DryRun,
		"skipped": s.Skipped,
		"failed":  s.Failed,
	}).Info("done")

	return r, r.Err()
}

func recoverable(err error) bool {
	return errors.Is(err, fileencryption.ErrDecryptionFailed) ||
		errors.Is(err, fileencryption.ErrNotFound) ||
		errors.Is(err, fileencryption.ErrValidationFailed)
}

func validationFailed(format string, args ...interface{}) error {
	return errors.WithMessagef(fileencryption.ErrValidationFailed, format, args...)
}

func timer(operation string) metrics.Timer {
	return metrics.GetOrRegisterTimer(fmt.Sprintf("%s.repair.%s", fileencryption.MetricsPrefix, operation), nil)
}

// Option is used to configure a repair operation.
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
}

// WithLogger sets the logger receiving the per-file lines and the summary. By default nothing is logged.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	o := options{logger: discard}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Unlocker returns a session of uid with the private keys needed to open the user's files unlocked. The caller closes
// the session.
type Unlocker interface {
	Unlock(ctx context.Context, uid string) (*fileencryption.Session, error)
}

// UnlockFunc is an adapter to allow the use of ordinary functions as an Unlocker.
type UnlockFunc func(ctx context.Context, uid string) (*fileencryption.Session, error)

// Unlock calls f(ctx, uid).
func (f UnlockFunc) Unlock(ctx context.Context, uid string) (*fileencryption.Session, error) {
	return f(ctx, uid)
}

// MasterKeyUnlocker returns an Unlocker for master key mode. It fails with ErrUnsupportedOperation when master key
// mode is off, since user keys need the user's password.
func MasterKeyUnlocker(factory *fileencryption.SessionFactory) Unlocker {
	return UnlockFunc(func(ctx context.Context, uid string) (*fileencryption.Session, error) {
		if !factory.Config.MasterKeyEnabled() {
			return nil, errors.WithMessage(fileencryption.ErrUnsupportedOperation, "master key is not enabled")
		}

		s, err := factory.GetSession(uid)
		if err != nil {
			return nil, err
		}

		if err := s.Init(ctx, nil); err != nil {
			s.Close()
			return nil, err
		}

		return s, nil
	})
}

// PasswordUnlocker returns an Unlocker that initializes sessions with the login passwords in passwords.
func PasswordUnlocker(factory *fileencryption.SessionFactory, passwords map[string][]byte) Unlocker {
	return UnlockFunc(func(ctx context.Context, uid string) (*fileencryption.Session, error) {
		password, ok := passwords[uid]
		if !ok {
			return nil, errors.WithMessagef(fileencryption.ErrUnsupportedOperation, "no password for %s", uid)
		}

		s, err := factory.GetSession(uid)
		if err != nil {
			return nil, err
		}

		if err := s.Init(ctx, password); err != nil {
			s.Close()
			return nil, err
		}

		return s, nil
	})
}
