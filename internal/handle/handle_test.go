package handle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/kobject"
)

type fakeObj struct{ kind kobject.Kind }

func (f fakeObj) Kind() kobject.Kind { return f.kind }

func TestAddFindRemove(t *testing.T) {
	tbl := New()
	obj := fakeObj{kind: kobject.KindVmo}
	id := tbl.Add(obj, Basic)

	got, err := tbl.FindWithRights(id, Read, kobject.KindVmo)
	require.NoError(t, err)
	require.Equal(t, obj, got)

	tbl.Remove(id)
	_, err = tbl.FindWithRights(id, Read, kobject.KindVmo)
	require.Error(t, err)
}

func TestFindWithRightsPrecedence(t *testing.T) {
	tbl := New()
	obj := fakeObj{kind: kobject.KindVmar}
	id := tbl.Add(obj, Read)

	_, err := tbl.FindWithRights(999, Read, kobject.KindVmar)
	require.ErrorIs(t, err, errs.New(errs.BadHandle))

	_, err = tbl.FindWithRights(id, Write, kobject.KindVmar)
	require.ErrorIs(t, err, errs.New(errs.AccessDenied))

	_, err = tbl.FindWithRights(id, Read, kobject.KindVmo)
	require.ErrorIs(t, err, errs.New(errs.WrongType))
}

func TestDuplicateRequiresDuplicateRight(t *testing.T) {
	tbl := New()
	obj := fakeObj{kind: kobject.KindVmo}
	id := tbl.Add(obj, Read)

	_, err := tbl.Duplicate(id, Read)
	require.Error(t, err)

	id2 := tbl.Add(obj, Read|Duplicate)
	dup, err := tbl.Duplicate(id2, Read)
	require.NoError(t, err)
	require.NotEqual(t, id2, dup)

	_, err = tbl.Duplicate(id2, Write)
	require.Error(t, err, "cannot duplicate rights the original handle doesn't carry")
}

func TestIDsReuseLowestFree(t *testing.T) {
	tbl := New()
	obj := fakeObj{kind: kobject.KindVmo}
	a := tbl.Add(obj, Basic)
	b := tbl.Add(obj, Basic)
	tbl.Remove(a)
	c := tbl.Add(obj, Basic)
	require.Equal(t, a, c)
	require.NotEqual(t, b, c)
}

func TestTakeRemovesAndRequiresTransfer(t *testing.T) {
	tbl := New()
	obj := fakeObj{kind: kobject.KindChannel}
	id := tbl.Add(obj, Read)

	_, _, err := tbl.Take(id, Transfer)
	require.Error(t, err, "handle lacks Transfer right")

	id2 := tbl.Add(obj, Read|Transfer)
	gotObj, gotRights, err := tbl.Take(id2, Transfer)
	require.NoError(t, err)
	require.Equal(t, obj, gotObj)
	require.Equal(t, Read|Transfer, gotRights)
	require.Equal(t, 1, tbl.Len())

	_, _, err = tbl.Take(id2, Transfer)
	require.Error(t, err, "second Take on the same id must fail: it already left the table")
}

func TestEachVisitsEveryLiveHandle(t *testing.T) {
	tbl := New()
	obj := fakeObj{kind: kobject.KindVmo}
	tbl.Add(obj, Read)
	tbl.Add(obj, Write)
	seen := 0
	tbl.Each(func(id ID, o kobject.Object, r Rights) { seen++ })
	require.Equal(t, 2, seen)
}
