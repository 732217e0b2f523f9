package registry_test

import (
	"errors"
	"testing"

	"github.com/blukai/fragnet/internal/protocol"
	"github.com/blukai/fragnet/internal/registry"
	"github.com/matryer/is"
)

func TestInsertDuplicate(t *testing.T) {
	is := is.New(t)

	r := registry.New(4)
	is.NoErr(r.Insert(registry.NewRecord(1, protocol.PlayerPreferences{Name: "one"})))

	err := r.Insert(registry.NewRecord(1, protocol.PlayerPreferences{Name: "impostor"}))
	is.True(errors.Is(err, registry.ErrDuplicateID))
	is.Equal(r.Len(), 1)

	rec, ok := r.Get(1)
	is.True(ok)
	is.Equal(rec.Preferences.Name, "one")
}

func TestInsertOutOfRange(t *testing.T) {
	is := is.New(t)

	r := registry.New(2)
	err := r.Insert(registry.NewRecord(2, protocol.PlayerPreferences{}))
	is.True(errors.Is(err, registry.ErrOutOfRange))
	is.Equal(r.Len(), 0)
}

func TestRemoveIsIdempotent(t *testing.T) {
	is := is.New(t)

	r := registry.New(4)
	is.NoErr(r.Insert(registry.NewRecord(0, protocol.PlayerPreferences{})))
	is.NoErr(r.Insert(registry.NewRecord(2, protocol.PlayerPreferences{})))

	rec, ok := r.Remove(2)
	is.True(ok)
	is.Equal(rec.ID, uint8(2))
	afterOnce := r.Snapshot()

	// an explicit disconnect racing a transport timeout
	rec, ok = r.Remove(2)
	is.True(!ok)
	is.Equal(rec, nil)
	is.Equal(r.Snapshot(), afterOnce)
	is.Equal(r.Len(), 1)

	_, ok = r.Remove(200)
	is.True(!ok)
}

func TestGetUnknown(t *testing.T) {
	is := is.New(t)

	r := registry.New(4)
	rec, ok := r.Get(3)
	is.True(!ok)
	is.Equal(rec, nil)

	_, ok = r.Get(255)
	is.True(!ok)
}

func TestFreeIDReusesLowest(t *testing.T) {
	is := is.New(t)

	r := registry.New(3)
	for i := 0; i < 3; i++ {
		id, ok := r.FreeID()
		is.True(ok)
		is.Equal(id, uint8(i))
		is.NoErr(r.Insert(registry.NewRecord(id, protocol.PlayerPreferences{})))
	}

	_, ok := r.FreeID()
	is.True(!ok)

	r.Remove(1)
	id, ok := r.FreeID()
	is.True(ok)
	is.Equal(id, uint8(1))
}

func TestListsAndSnapshot(t *testing.T) {
	is := is.New(t)

	r := registry.New(4)
	one := registry.NewRecord(1, protocol.PlayerPreferences{Name: "one"})
	one.Info.Kills = 3
	three := registry.NewRecord(3, protocol.PlayerPreferences{Name: "three"})
	three.Info.Deaths = 2
	is.NoErr(r.Insert(three))
	is.NoErr(r.Insert(one))

	is.Equal(r.Preferences(), []protocol.PlayerPreferences{
		{PlayerID: 1, Name: "one"},
		{PlayerID: 3, Name: "three"},
	})
	is.Equal(r.ExtraInfo(), []protocol.PlayerExtraInfo{
		{PlayerID: 1, Kills: 3},
		{PlayerID: 3, Deaths: 2},
	})

	snapshot := r.Snapshot()
	is.Equal(len(snapshot), 4)
	is.Equal(snapshot[0], nil)
	is.Equal(snapshot[1].PlayerID, uint8(1))
	is.Equal(snapshot[2], nil)
	is.Equal(snapshot[3].PlayerID, uint8(3))

	// snapshot entries are copies
	snapshot[1].Position[0] = 99
	is.Equal(one.State.Position[0], float32(0))

	removed := r.Clear()
	is.Equal(len(removed), 2)
	is.Equal(r.Len(), 0)
}
