package txn

import (
	"io"
	"testing"

	"github.com/rcowham/hgcore/internal/vfs"
	"github.com/stretchr/testify/assert"
)

func newOpener(t *testing.T) *vfs.Disk {
	return vfs.NewDisk(t.TempDir())
}

func TestCloseRemovesJournalArtifacts(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Add("somefile", 0, nil))
	assert.True(t, opener.Exists("journal"))
	assert.NoError(t, tx.Close())
	assert.False(t, opener.Exists("journal"))
	assert.False(t, opener.Exists("journal.backupfiles"))
	assert.False(t, tx.Running())
}

func TestAbortTruncatesBackToRecordedOffset(t *testing.T) {
	opener := newOpener(t)
	assert.NoError(t, opener.Write("store", []byte("0123456789")))

	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.AddBackup("store", true))
	assert.NoError(t, tx.Add("store", 5, nil))
	assert.NoError(t, opener.Write("store", []byte("0123456789ABCDE")))

	assert.NoError(t, tx.Abort())

	data, err := opener.Read("store")
	assert.NoError(t, err)
	assert.Equal(t, "01234", string(data))
}

func TestAbortUnlinksFileThatDidNotExistBefore(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.AddBackup("newfile", true)) // doesn't exist -> degrades to Add(path, 0, nil)
	assert.NoError(t, opener.Write("newfile", []byte("created during txn")))

	assert.NoError(t, tx.Abort())
	assert.False(t, opener.Exists("newfile"))
}

func TestNestKeepsTransactionOpenUntilOutermostRelease(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	inner := tx.Nest()
	assert.NoError(t, inner.Add("f", 0, nil))
	assert.NoError(t, inner.Release())
	assert.True(t, tx.Running(), "outer transaction must stay open while a nested scope is released")
	assert.NoError(t, tx.Close())
	assert.False(t, tx.Running())
}

func TestAddFinalizeRunsInSortedCategoryOrder(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	var order []string
	tx.AddFinalize("zzz", func() error { order = append(order, "zzz"); return nil })
	tx.AddFinalize("aaa", func() error { order = append(order, "aaa"); return nil })
	tx.AddFinalize("mmm", func() error { order = append(order, "mmm"); return nil })
	assert.NoError(t, tx.Close())
	assert.Equal(t, []string{"aaa", "mmm", "zzz"}, order)
}

func TestAddPendingRunsOnceEachInRegistrationOrder(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	var order []string
	tx.AddPending("first", func() error { order = append(order, "first"); return nil })
	tx.AddPending("second", func() error { order = append(order, "second"); return nil })
	tx.AddPending("first", func() error { order = append(order, "first-again"); return nil })

	ran, err := tx.WritePending()
	assert.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestAddFileGeneratorWritesAtomically(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.AddFileGenerator("gen1", []string{"out1", "out2"}, func(writers map[string]io.Writer) error {
		if _, err := writers["out1"].Write([]byte("one")); err != nil {
			return err
		}
		_, err := writers["out2"].Write([]byte("two"))
		return err
	}, 0))
	assert.NoError(t, tx.Close())

	data1, err := opener.Read("out1")
	assert.NoError(t, err)
	assert.Equal(t, "one", string(data1))
	data2, err := opener.Read("out2")
	assert.NoError(t, err)
	assert.Equal(t, "two", string(data2))
}

func TestOperationsFailOnClosedTransaction(t *testing.T) {
	opener := newOpener(t)
	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.Close())
	assert.Error(t, tx.Add("f", 0, nil))
}

func TestRollbackFromJournalFiles(t *testing.T) {
	opener := newOpener(t)
	assert.NoError(t, opener.Write("store", []byte("0123456789")))

	tx, err := Begin(opener, "journal", nil, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, tx.AddBackup("store", true))
	assert.NoError(t, tx.Add("store", 5, nil))
	assert.NoError(t, opener.Write("store", []byte("0123456789XYZ")))
	// simulate a crash: journal files remain on disk, transaction object is discarded.

	assert.NoError(t, Rollback(opener, "journal", nil))

	data, err := opener.Read("store")
	assert.NoError(t, err)
	assert.Equal(t, "01234", string(data))
	assert.False(t, opener.Exists("journal"))
}
