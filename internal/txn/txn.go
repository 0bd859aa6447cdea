// Package txn implements the journaled transaction manager: atomic batched
// mutation of append-only files with playback-based crash recovery. The
// on-disk artifacts (journal, journal.backupfiles, journal.backup.<path>)
// and the state machine mirror the teacher's plain io.Writer-based
// journal.Journal, generalised to the richer write-ahead semantics needed
// here.
package txn

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rcowham/hgcore/internal/herrors"
	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/sirupsen/logrus"
)

const backupVersion = 1

// State is the transaction's lifecycle state.
type State int

const (
	Open State = iota
	Closed
	Aborted
)

// Entry is a recorded truncate point for an append-only file.
type Entry struct {
	Path   string
	Offset int64
	Data   []byte // opaque, caller-defined; not persisted to the journal file
}

// BackupEntry describes a file restored by copy on rollback.
type BackupEntry struct {
	Path       string
	BackupPath string
}

type fileGenerator struct {
	genID     string
	filenames []string
	fn        func(writers map[string]io.Writer) error
	order     int
}

// Transaction batches mutations to one or more append-only files so they
// commit or roll back together.
type Transaction struct {
	ID       uuid.UUID
	opener   vfs.Opener
	reporter herrors.Reporter
	logger   *logrus.Logger

	journalName       string
	backupJournalName string

	entries       map[string]*Entry
	entryOrder    []string
	backups       map[string]*BackupEntry
	backupOrder   []string
	generators    map[string]*fileGenerator
	pending       map[string]func() error
	pendingOrder  []string
	finalizers    map[string]func() error
	finalizeOrder []string

	afterFunc func()
	onClose   func() error
	onAbort   func() error

	state State
	count int // nest depth; outermost is 1
	usage int // concurrent holders of the outermost scope

	grouping    bool
	groupBuffer []*Entry
}

// Begin opens a new transaction rooted at opener, using journalName as the
// base name for the journal and journal.backupfiles artifacts.
func Begin(opener vfs.Opener, journalName string, reporter herrors.Reporter, logger *logrus.Logger, after func()) (*Transaction, error) {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transaction{
		ID:                uuid.New(),
		opener:            opener,
		reporter:          reporter,
		logger:            logger,
		journalName:       journalName,
		backupJournalName: journalName + ".backupfiles",
		entries:           make(map[string]*Entry),
		backups:           make(map[string]*BackupEntry),
		generators:        make(map[string]*fileGenerator),
		pending:           make(map[string]func() error),
		finalizers:        make(map[string]func() error),
		afterFunc:         after,
		state:             Open,
		count:             1,
		usage:             1,
	}
	if err := t.writeBackupHeader(); err != nil {
		return nil, err
	}
	t.logger.Debugf("txn %s: begin journal=%s", t.ID, journalName)
	return t, nil
}

func (t *Transaction) writeBackupHeader() error {
	w, err := t.opener.OpenAtomic(t.backupJournalName)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d\n", backupVersion); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (t *Transaction) checkOpen() error {
	if t.state != Open {
		return herrors.InvalidTransactionState("transaction %s is not open", t.ID)
	}
	return nil
}

// Add records a truncate point for path. Idempotent: a second Add for the
// same path is ignored.
func (t *Transaction) Add(path string, offset int64, data []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, ok := t.entries[path]; ok {
		return nil
	}
	e := &Entry{Path: path, Offset: offset, Data: data}
	if t.grouping {
		t.groupBuffer = append(t.groupBuffer, e)
		t.entries[path] = e // reserve idempotency slot immediately
		return nil
	}
	t.entries[path] = e
	t.entryOrder = append(t.entryOrder, path)
	return t.flushJournal()
}

// StartGroup defers journal flushes until EndGroup; entries added in
// between are buffered so a partial failure inside the group leaves the
// on-disk journal consistent with either all-or-none of the group.
func (t *Transaction) StartGroup() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.grouping = true
	t.groupBuffer = nil
	return nil
}

// EndGroup flushes the buffered entries in one shot.
func (t *Transaction) EndGroup() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.grouping = false
	for _, e := range t.groupBuffer {
		t.entryOrder = append(t.entryOrder, e.Path)
	}
	t.groupBuffer = nil
	return t.flushJournal()
}

func (t *Transaction) flushJournal() error {
	w, err := t.opener.OpenAtomic(t.journalName)
	if err != nil {
		return err
	}
	for _, p := range t.entryOrder {
		e := t.entries[p]
		if _, err := fmt.Fprintf(w, "%s\x00%d\n", e.Path, e.Offset); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// AddBackup hard-links (or copies) path to a uniquely named backup file. If
// path does not exist, it degrades to Add(path, 0, nil). Idempotent per
// path.
func (t *Transaction) AddBackup(path string, hardlink bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, ok := t.backups[path]; ok {
		return nil
	}
	if _, ok := t.entries[path]; ok {
		return nil
	}
	if !t.opener.Exists(path) {
		return t.Add(path, 0, nil)
	}
	backupPath := "journal.backup." + strings.ReplaceAll(path, string(os.PathSeparator), "_")
	full := t.opener.Join(path)
	fullBackup := t.opener.Join(backupPath)
	var err error
	if hardlink {
		err = vfs.HardlinkOrCopy(full, fullBackup)
	} else {
		err = copyFile(full, fullBackup)
	}
	if err != nil {
		return err
	}
	be := &BackupEntry{Path: path, BackupPath: backupPath}
	t.backups[path] = be
	t.backupOrder = append(t.backupOrder, path)
	return t.flushBackupJournal()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (t *Transaction) flushBackupJournal() error {
	w, err := t.opener.OpenAtomic(t.backupJournalName)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d\n", backupVersion); err != nil {
		w.Close()
		return err
	}
	for _, p := range t.backupOrder {
		b := t.backups[p]
		if _, err := fmt.Fprintf(w, "%s\x00%s\n", b.Path, b.BackupPath); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// AddFileGenerator registers a function invoked at commit time with
// atomic-temp writers for each of filenames. genID deduplicates
// registrations; order controls execution order across generators.
func (t *Transaction) AddFileGenerator(genID string, filenames []string, fn func(writers map[string]io.Writer) error, order int) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, ok := t.generators[genID]; ok {
		return nil
	}
	for _, f := range filenames {
		if err := t.AddBackup(f, true); err != nil {
			return err
		}
	}
	t.generators[genID] = &fileGenerator{genID: genID, filenames: filenames, fn: fn, order: order}
	return nil
}

// AddPending registers a callback invoked by WritePending; category
// deduplicates.
func (t *Transaction) AddPending(category string, cb func() error) {
	if _, ok := t.pending[category]; ok {
		return
	}
	t.pending[category] = cb
	t.pendingOrder = append(t.pendingOrder, category)
}

// WritePending runs all registered pending callbacks in registration
// order, reporting whether any ran.
func (t *Transaction) WritePending() (bool, error) {
	ran := false
	for _, cat := range t.pendingOrder {
		if err := t.pending[cat](); err != nil {
			return ran, err
		}
		ran = true
	}
	return ran, nil
}

// AddFinalize registers a callback run once, in sorted-category order, at
// commit.
func (t *Transaction) AddFinalize(category string, cb func() error) {
	if _, ok := t.finalizers[category]; ok {
		return
	}
	t.finalizers[category] = cb
	t.finalizeOrder = append(t.finalizeOrder, category)
}

// OnClose / OnAbort register the respective lifecycle hooks.
func (t *Transaction) OnClose(fn func() error) { t.onClose = fn }
func (t *Transaction) OnAbort(fn func() error) { t.onAbort = fn }

func (t *Transaction) runGenerators() error {
	gens := make([]*fileGenerator, 0, len(t.generators))
	for _, g := range t.generators {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].order < gens[j].order })
	for _, g := range gens {
		writers := make(map[string]io.Writer, len(g.filenames))
		closers := make([]io.WriteCloser, 0, len(g.filenames))
		for _, f := range g.filenames {
			w, err := t.opener.OpenAtomic(f)
			if err != nil {
				for _, c := range closers {
					c.Close()
				}
				return err
			}
			writers[f] = w
			closers = append(closers, w)
		}
		if err := g.fn(writers); err != nil {
			for _, c := range closers {
				c.Close()
			}
			return err
		}
		for _, c := range closers {
			if err := c.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transaction) runFinalizers() error {
	cats := append([]string(nil), t.finalizeOrder...)
	sort.Strings(cats)
	for _, cat := range cats {
		if err := t.finalizers[cat](); err != nil {
			return err
		}
	}
	return nil
}

// Close commits the transaction: runs generators, finalizers, onClose, then
// removes the journal, backup journal, and each backup file. After Close
// the transaction is inert.
func (t *Transaction) Close() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.usage--
	if t.usage > 0 {
		return nil
	}
	if err := t.runGenerators(); err != nil {
		return err
	}
	if err := t.runFinalizers(); err != nil {
		return err
	}
	if t.onClose != nil {
		if err := t.onClose(); err != nil {
			return err
		}
	}
	t.state = Closed
	_ = t.opener.Unlink(t.journalName)
	_ = t.opener.Unlink(t.backupJournalName)
	for _, p := range t.backupOrder {
		_ = t.opener.Unlink(t.backups[p].BackupPath)
	}
	if t.afterFunc != nil {
		t.afterFunc()
	}
	t.logger.Debugf("txn %s: closed", t.ID)
	return nil
}

// Abort rolls the transaction back via playback of the recorded entries
// and backups, then removes the journal files.
func (t *Transaction) Abort() error {
	if t.state != Open {
		return nil
	}
	if t.onAbort != nil {
		if err := t.onAbort(); err != nil && t.reporter != nil {
			t.reporter.Warnf("onabort callback failed: %v", err)
		}
	}
	t.state = Aborted
	entries := make([]*Entry, 0, len(t.entryOrder))
	for _, p := range t.entryOrder {
		entries = append(entries, t.entries[p])
	}
	backups := make([]*BackupEntry, 0, len(t.backupOrder))
	for _, p := range t.backupOrder {
		backups = append(backups, t.backups[p])
	}
	Playback(t.opener, entries, backups, t.reporter)
	_ = t.opener.Unlink(t.journalName)
	_ = t.opener.Unlink(t.backupJournalName)
	if t.afterFunc != nil {
		t.afterFunc()
	}
	t.logger.Debugf("txn %s: aborted", t.ID)
	return nil
}

// Nest increments the nest depth; the outermost Close/Abort is the
// effective one.
func (t *Transaction) Nest() *Transaction {
	t.count++
	t.usage++
	return t
}

// Release decrements the nest depth, closing the transaction once the
// outermost scope releases.
func (t *Transaction) Release() error {
	t.count--
	return t.Close()
}

// Running reports whether the transaction is still open.
func (t *Transaction) Running() bool { return t.state == Open }

// Playback is the standalone recovery routine: truncate each recorded file
// to its offset (unlinking if offset is 0), then copy each backup back
// into place (a backup still hardlinked to its target is left as is). It is deterministic and idempotent, and it attempts every
// entry even if earlier ones fail, reporting failures through reporter
// rather than aborting the sweep.
func Playback(opener vfs.Opener, entries []*Entry, backups []*BackupEntry, reporter herrors.Reporter) {
	for _, e := range entries {
		if err := playbackOne(opener, e); err != nil && reporter != nil {
			reporter.Warnf("rollback of %s failed: %v", e.Path, err)
		}
	}
	for _, b := range backups {
		if err := restoreBackup(opener, b); err != nil && reporter != nil {
			reporter.Warnf("restore of %s from %s failed: %v", b.Path, b.BackupPath, err)
		}
	}
}

func playbackOne(opener vfs.Opener, e *Entry) error {
	if e.Offset == 0 {
		return opener.Unlink(e.Path)
	}
	full := opener.Join(e.Path)
	f, err := os.OpenFile(full, os.O_WRONLY, 0644)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(e.Offset)
}

func restoreBackup(opener vfs.Opener, b *BackupEntry) error {
	src := opener.Join(b.BackupPath)
	dst := opener.Join(b.Path)
	if !opener.Exists(b.BackupPath) {
		return nil
	}
	// A hardlinked backup that still shares the target's inode already holds
	// the target's current bytes; copying it onto itself would truncate both.
	if si, err := os.Stat(src); err == nil {
		if di, err := os.Stat(dst); err == nil && os.SameFile(si, di) {
			return nil
		}
	}
	return copyFile(src, dst)
}

// Rollback recovers from a crash using the on-disk journal and backup
// journal files named journalName under opener, reading the same text
// framing Begin/Add/AddBackup wrote.
func Rollback(opener vfs.Opener, journalName string, reporter herrors.Reporter) error {
	entries, err := readJournal(opener, journalName)
	if err != nil {
		return err
	}
	backups, err := readBackupJournal(opener, journalName+".backupfiles")
	if err != nil {
		return err
	}
	Playback(opener, entries, backups, reporter)
	_ = opener.Unlink(journalName)
	_ = opener.Unlink(journalName + ".backupfiles")
	return nil
}

func readJournal(opener vfs.Opener, name string) ([]*Entry, error) {
	data, err := opener.TryRead(name)
	if err != nil || data == nil {
		return nil, err
	}
	var entries []*Entry
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		off, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, &Entry{Path: parts[0], Offset: off})
	}
	return entries, sc.Err()
}

func readBackupJournal(opener vfs.Opener, name string) ([]*BackupEntry, error) {
	data, err := opener.TryRead(name)
	if err != nil || data == nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	var backups []*BackupEntry
	for i, line := range lines {
		if line == "" {
			continue
		}
		if i == 0 {
			continue // version header
		}
		parts := strings.SplitN(line, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		backups = append(backups, &BackupEntry{Path: parts[0], BackupPath: parts[1]})
	}
	return backups, nil
}
