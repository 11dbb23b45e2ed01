package fileencryption

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

// EnableRecoveryAdmin turns on the recovery key. The recovery keypair is created under password the first time, after
// that password must match the existing key.
func (u *Util) EnableRecoveryAdmin(ctx context.Context, password []byte) error {
	id := u.config.RecoveryKeyID

	created, err := u.keys.ProvisionKeypair(id, password)
	if err != nil {
		return err
	}

	if !created {
		if err := u.checkRecoveryPassword(password); err != nil {
			return err
		}
	}

	if err := u.settings.SetAppValue(ctx, AppRecoveryKeyID, id); err != nil {
		return err
	}

	return u.setRecoveryAdmin(ctx, true)
}

// DisableRecoveryAdmin turns off the recovery key. Existing recovery share keys are kept.
func (u *Util) DisableRecoveryAdmin(ctx context.Context, password []byte) error {
	if err := u.checkRecoveryPassword(password); err != nil {
		return err
	}

	return u.setRecoveryAdmin(ctx, false)
}

func (u *Util) setRecoveryAdmin(ctx context.Context, enabled bool) error {
	if err := u.settings.SetAppValue(ctx, AppRecoveryAdminEnabled, boolValue(enabled)); err != nil {
		return err
	}

	u.config.RecoveryAdminEnabled = enabled

	return nil
}

// CheckRecoveryPassword reports whether password unlocks the recovery key.
func (u *Util) CheckRecoveryPassword(password []byte) (bool, error) {
	err := u.checkRecoveryPassword(password)
	if errors.Is(err, ErrDecryptionFailed) {
		return false, nil
	}

	return err == nil, err
}

func (u *Util) checkRecoveryPassword(password []byte) error {
	blob, err := u.keys.GetPrivateKey(u.config.RecoveryKeyID)
	if err != nil {
		return err
	}

	pem, err := crypt.DecryptPrivateKey(blob, password, u.config.KeyDerivation)
	if err != nil {
		return err
	}

	clear(pem)

	return nil
}

// AddRecoveryKeys reseals every file key of the session's user so the recovery key can open it.
func (u *Util) AddRecoveryKeys(ctx context.Context, s *Session) error {
	uid := s.UID()

	paths, err := u.keys.FileKeyPaths(uid)
	if err != nil {
		return err
	}

	var result *multierror.Error

	for _, p := range paths {
		_, rel, err := UIDAndFilename(p)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		users, err := u.SharingUsers(ctx, uid, rel, uid)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		users = appendUnique(users, u.config.RecoveryKeyID)

		if err := u.SetSharedFileKeyfiles(ctx, s, users, p); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", p))
		}
	}

	return result.ErrorOrNil()
}

// RemoveRecoveryKeys deletes the recovery share key of every file of uid.
func (u *Util) RemoveRecoveryKeys(ctx context.Context, uid string) error {
	paths, err := u.keys.FileKeyPaths(uid)
	if err != nil {
		return err
	}

	var result *multierror.Error

	for _, p := range paths {
		if err := u.keys.DeleteShareKey(p, u.config.RecoveryKeyID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// RecoverUsersFiles unlocks the recovery key in s and reseals every file key of the session's user for the current
// recipients. This restores access after the user's keypair was replaced.
func (u *Util) RecoverUsersFiles(ctx context.Context, s *Session, recoveryPassword []byte) error {
	if err := s.UnlockRecoveryKey(ctx, recoveryPassword); err != nil {
		return err
	}

	uid := s.UID()

	paths, err := u.keys.FileKeyPaths(uid)
	if err != nil {
		return err
	}

	var result *multierror.Error

	for _, p := range paths {
		if err := u.recoverFile(ctx, s, p); err != nil {
			log.Debugf("error recovering %s: %v\n", p, err)
			result = multierror.Append(result, errors.WithMessagef(err, "%s", p))
		}
	}

	return result.ErrorOrNil()
}

func (u *Util) recoverFile(ctx context.Context, s *Session, p string) error {
	fileKey, err := s.FileKey(ctx, p)
	if err != nil {
		return err
	}

	defer clear(fileKey)

	recipients, err := u.Recipients(ctx, p, s.UID())
	if err != nil {
		return err
	}

	return u.Seal(p, fileKey, recipients)
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}

	return append(list, id)
}
