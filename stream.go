package fileencryption

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/afero"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

var (
	streamOpenTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.stream.open", MetricsPrefix), nil)
	streamCloseTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.stream.close", MetricsPrefix), nil)
	blockEncryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.stream.encryptblock", MetricsPrefix), nil)
	blockDecryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.stream.decryptblock", MetricsPrefix), nil)
)

// Mode selects how a Stream is opened.
type Mode int

const (
	ModeRead Mode = iota
	// ModeWrite replaces the content of the file.
	ModeWrite
	// ModeAppend keeps the existing content and writes after it.
	ModeAppend
)

// Stream reads or writes the plaintext of one file. Content is encrypted block by block as it is written and the file
// only replaces the previous content, together with its keys, on Close.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	ctx     context.Context
	session *Session
	util    *Util
	path    string
	mode    Mode
	file    afero.File
	tmpPath string

	passthrough bool
	header      crypt.Header
	dataStart   int64
	fileKey     []byte
	version     int
	plainBlock  int
	cipherBlock int

	// block is the index of the next block read from or written to file
	block int
	// buf holds decrypted bytes not yet returned when reading, and pending plaintext when writing
	buf     []byte
	pos     int64
	rawSize int64
	closed  bool

	// cached is the file cache record of path when the writer was opened
	cached *FileInfo
}

var _ io.ReadWriteSeeker = (*Stream)(nil)

// Open opens the file at p. Reading a file without an encryption header returns its bytes unchanged. If the key of an
// encrypted file cannot be resolved it fails with a *KeyUnavailableError.
func (s *Session) Open(ctx context.Context, p string, mode Mode) (*Stream, error) {
	defer streamOpenTimer.UpdateSince(time.Now())

	switch mode {
	case ModeRead:
		return s.openReader(ctx, p)
	case ModeWrite, ModeAppend:
		return s.openWriter(ctx, p, mode)
	}

	return nil, errors.WithMessagef(ErrUnsupportedOperation, "mode %d", mode)
}

func (s *Session) openReader(ctx context.Context, p string) (*Stream, error) {
	u := s.factory.Util

	header, dataStart, err := u.readHeader(p)
	if err != nil {
		return nil, err
	}

	f, err := u.fs.Open(p)
	if err != nil {
		return nil, wrapNotExist(err, p)
	}

	st := &Stream{
		ctx:     ctx,
		session: s,
		util:    u,
		path:    p,
		mode:    ModeRead,
		file:    f,
	}

	if header == nil {
		st.passthrough = true
		return st, nil
	}

	info, err := u.files.Get(ctx, p)
	if err != nil {
		f.Close()
		return nil, err
	}

	if info != nil {
		st.version = info.EncryptedVersion
	}

	fileKey, err := s.FileKey(ctx, p)
	if err != nil {
		f.Close()
		return nil, &KeyUnavailableError{Path: p, Err: err}
	}

	if _, err := f.Seek(dataStart, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "error seeking %s", p)
	}

	st.setHeader(*header, dataStart)
	st.fileKey = fileKey

	return st, nil
}

// OpenWithKey opens the encrypted file at p for reading with an explicit file key and version instead of the ones
// resolved from the key store and the file cache. fileKey is copied. A file without an encryption header fails with
// ErrDecryptionFailed.
func (s *Session) OpenWithKey(ctx context.Context, p string, fileKey []byte, version int) (*Stream, error) {
	u := s.factory.Util

	header, dataStart, err := u.readHeader(p)
	if err != nil {
		return nil, err
	}

	if header == nil {
		return nil, errors.WithMessagef(ErrDecryptionFailed, "%s is not encrypted", p)
	}

	f, err := u.fs.Open(p)
	if err != nil {
		return nil, wrapNotExist(err, p)
	}

	if _, err := f.Seek(dataStart, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "error seeking %s", p)
	}

	st := &Stream{
		ctx:     ctx,
		session: s,
		util:    u,
		path:    p,
		mode:    ModeRead,
		file:    f,
		fileKey: append([]byte(nil), fileKey...),
		version: version,
	}

	st.setHeader(*header, dataStart)

	return st, nil
}

// Verify decrypts every block of the file at p with fileKey, checking signatures against version, and discards the
// plaintext.
func (s *Session) Verify(ctx context.Context, p string, fileKey []byte, version int) error {
	st, err := s.OpenWithKey(ctx, p, fileKey, version)
	if err != nil {
		return err
	}

	defer st.Close()

	_, err = io.Copy(io.Discard, st)

	return err
}

func (s *Session) openWriter(ctx context.Context, p string, mode Mode) (*Stream, error) {
	u := s.factory.Util

	info, err := u.files.Get(ctx, p)
	if err != nil {
		return nil, err
	}

	hasKey, err := u.keys.HasFileKey(p)
	if err != nil {
		return nil, err
	}

	var fileKey []byte
	if hasKey {
		if fileKey, err = s.FileKey(ctx, p); err != nil {
			return nil, &KeyUnavailableError{Path: p, Err: err}
		}
	} else if fileKey, err = crypt.GenerateKey(); err != nil {
		return nil, err
	}

	version := 1
	if info != nil {
		version = info.EncryptedVersion + 1
	}

	tmp := p + ".ocTransferId" + strconv.FormatUint(uint64(uuid.New().ID()), 10) + ".part"

	if err := u.fs.MkdirAll(path.Dir(p), dirPerm); err != nil {
		return nil, errors.Wrapf(err, "error creating %s", path.Dir(p))
	}

	f, err := u.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating %s", tmp)
	}

	st := &Stream{
		ctx:     ctx,
		session: s,
		util:    u,
		path:    p,
		mode:    mode,
		file:    f,
		tmpPath: tmp,
		fileKey: fileKey,
		version: version,
		cached:  info,
	}

	st.setHeader(crypt.Header{ModuleID: u.config.ModuleID, Cipher: u.config.Cipher, Signed: true}, crypt.HeaderSize)

	if _, err := f.Write(st.header.Block()); err != nil {
		st.abort()
		return nil, errors.Wrapf(err, "error writing header of %s", p)
	}

	if mode == ModeAppend {
		if err := st.copyExisting(); err != nil {
			st.abort()
			return nil, err
		}
	}

	return st, nil
}

func (st *Stream) setHeader(h crypt.Header, dataStart int64) {
	st.header = h
	st.dataStart = dataStart
	st.plainBlock = crypt.PlainBlockSize(h.Signed)
	st.cipherBlock = crypt.CipherBlockSize(h.Signed)
}

func (st *Stream) copyExisting() error {
	if ok, err := afero.Exists(st.util.fs, st.path); err != nil || !ok {
		return err
	}

	r, err := st.session.Open(st.ctx, st.path, ModeRead)
	if err != nil {
		return err
	}

	defer r.Close()

	_, err = io.Copy(st, r)

	return err
}

// Path returns the path the stream was opened for.
func (st *Stream) Path() string {
	return st.path
}

// Header returns the header of the content. It is the zero value for plain files.
func (st *Stream) Header() crypt.Header {
	return st.header
}

// Version returns the encrypted version used to sign blocks.
func (st *Stream) Version() int {
	return st.version
}

// Read reads decrypted content.
func (st *Stream) Read(p []byte) (int, error) {
	if st.closed {
		return 0, os.ErrClosed
	}

	if st.mode != ModeRead {
		return 0, errors.WithMessage(ErrUnsupportedOperation, "stream is not readable")
	}

	if st.passthrough {
		return st.file.Read(p)
	}

	if len(st.buf) == 0 {
		if err := st.readBlock(); err != nil {
			return 0, err
		}
	}

	n := copy(p, st.buf)
	st.buf = st.buf[n:]
	st.pos += int64(n)

	return n, nil
}

func (st *Stream) readBlock() error {
	defer blockDecryptTimer.UpdateSince(time.Now())

	raw := make([]byte, st.cipherBlock)

	n, err := io.ReadFull(st.file, raw)
	if err == io.EOF {
		return io.EOF
	}

	if err != nil && err != io.ErrUnexpectedEOF {
		return errors.Wrapf(err, "error reading %s", st.path)
	}

	plain, err := crypt.SymmetricDecryptFileContent(raw[:n], st.fileKey, st.blockOptions())
	if err != nil {
		return errors.WithMessagef(err, "block %d of %s", st.block, st.path)
	}

	st.block++
	st.buf = plain

	return nil
}

func (st *Stream) blockOptions() crypt.BlockOptions {
	return crypt.BlockOptions{
		Cipher:   st.header.Cipher,
		Signed:   st.header.Signed,
		Version:  st.version,
		Position: strconv.Itoa(st.block),
	}
}

// Seek sets the plaintext offset of the next Read. Writers only report their position.
func (st *Stream) Seek(offset int64, whence int) (int64, error) {
	if st.closed {
		return 0, os.ErrClosed
	}

	if st.passthrough {
		return st.file.Seek(offset, whence)
	}

	if st.mode != ModeRead {
		if offset == 0 && whence == io.SeekCurrent {
			return st.pos, nil
		}

		return 0, errors.WithMessage(ErrUnsupportedOperation, "stream is not seekable")
	}

	var target int64

	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = st.pos + offset
	case io.SeekEnd:
		size, err := st.size()
		if err != nil {
			return 0, err
		}

		target = size + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}

	if target < 0 {
		return 0, errors.New("negative position")
	}

	return target, st.seekTo(target)
}

// seekTo repositions at the start of the block holding target and discards the bytes before it.
func (st *Stream) seekTo(target int64) error {
	block := target / int64(st.plainBlock)

	if _, err := st.file.Seek(st.dataStart+block*int64(st.cipherBlock), io.SeekStart); err != nil {
		return errors.Wrapf(err, "error seeking %s", st.path)
	}

	st.block = int(block)
	st.buf = nil
	st.pos = target

	skip := int(target % int64(st.plainBlock))
	if skip == 0 {
		return nil
	}

	if err := st.readBlock(); err != nil {
		if err == io.EOF {
			return nil
		}

		return err
	}

	if skip > len(st.buf) {
		skip = len(st.buf)
	}

	st.buf = st.buf[skip:]

	return nil
}

func (st *Stream) size() (int64, error) {
	info, err := st.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "error reading %s", st.path)
	}

	raw := info.Size() - st.dataStart
	if raw <= 0 {
		return 0, nil
	}

	lastBlock := (raw+int64(st.cipherBlock)-1)/int64(st.cipherBlock) - 1
	start := lastBlock * int64(st.plainBlock)

	if err := st.seekTo(start); err != nil {
		return 0, err
	}

	if err := st.readBlock(); err != nil && err != io.EOF {
		return 0, err
	}

	return start + int64(len(st.buf)), nil
}

// Write encrypts p. Full blocks are written immediately, the rest is kept until the next Write or Close.
func (st *Stream) Write(p []byte) (int, error) {
	if st.closed {
		return 0, os.ErrClosed
	}

	if st.mode == ModeRead {
		return 0, errors.WithMessage(ErrUnsupportedOperation, "stream is not writable")
	}

	st.buf = append(st.buf, p...)

	for len(st.buf) >= st.plainBlock {
		if err := st.writeBlock(st.buf[:st.plainBlock]); err != nil {
			return 0, err
		}

		st.buf = append(st.buf[:0], st.buf[st.plainBlock:]...)
	}

	st.pos += int64(len(p))

	return len(p), nil
}

func (st *Stream) writeBlock(plain []byte) error {
	defer blockEncryptTimer.UpdateSince(time.Now())

	catfile, err := crypt.SymmetricEncryptFileContent(plain, st.fileKey, st.blockOptions())
	if err != nil {
		return err
	}

	if _, err := st.file.Write(catfile); err != nil {
		return errors.Wrapf(err, "error writing %s", st.path)
	}

	st.block++
	st.rawSize += int64(len(catfile))

	return nil
}

// Close releases the stream. For writers it flushes the last block, seals the file key for every recipient, replaces
// the file and updates the file cache. If any step fails the previous content is left in place.
func (st *Stream) Close() error {
	if st.closed {
		return nil
	}

	defer streamCloseTimer.UpdateSince(time.Now())

	st.closed = true
	defer clear(st.fileKey)

	if st.mode == ModeRead {
		return st.file.Close()
	}

	if err := st.finish(); err != nil {
		st.abort()
		return err
	}

	return nil
}

func (st *Stream) finish() error {
	if len(st.buf) > 0 {
		if err := st.writeBlock(st.buf); err != nil {
			return err
		}

		st.buf = nil
	}

	if err := st.file.Close(); err != nil {
		return errors.Wrapf(err, "error writing %s", st.path)
	}

	recipients, err := st.util.Recipients(st.ctx, st.path, st.session.uid)
	if err != nil {
		return err
	}

	// the record must describe the new content before it replaces the file
	err = st.util.files.Put(st.ctx, st.path, &FileInfo{
		Encrypted:        true,
		EncryptedVersion: st.version,
		Size:             crypt.HeaderSize + st.rawSize,
		UnencryptedSize:  st.pos,
		Mtime:            time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	if err := st.util.Seal(st.path, st.fileKey, recipients); err != nil {
		st.restoreCache()
		return err
	}

	if err := st.util.fs.Rename(st.tmpPath, st.path); err != nil {
		st.restoreCache()
		return errors.Wrapf(err, "error replacing %s", st.path)
	}

	log.Debugf("wrote %s version %d for %v\n", st.path, st.version, recipients)

	return nil
}

func (st *Stream) restoreCache() {
	var err error

	if st.cached == nil {
		err = st.util.files.Delete(st.ctx, st.path)
	} else {
		err = st.util.files.Put(st.ctx, st.path, st.cached)
	}

	if err != nil {
		log.Debugf("error restoring cache record of %s: %v\n", st.path, err)
	}
}

func (st *Stream) abort() {
	st.closed = true
	clear(st.fileKey)
	_ = st.file.Close()

	if err := st.util.fs.Remove(st.tmpPath); err != nil && !os.IsNotExist(err) {
		log.Debugf("error removing %s: %v\n", st.tmpPath, err)
	}
}
