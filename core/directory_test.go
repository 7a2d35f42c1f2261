package core

import (
	"errors"
	"os"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func tempDirectory(t *testing.T) *directory {
	t.Helper()

	d, err := openDirectory(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("openDirectory: %v", err)
	}
	return d
}

func TestDirectoryAllocateSequentialIDs(t *testing.T) {
	d := tempDirectory(t)

	for want := 0; want < 3; want++ {
		id, f, err := d.allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		_ = f.Close()

		if id != want {
			t.Errorf("allocated id %d, want %d", id, want)
		}
	}
}

func TestDirectoryAllocateSkipsExisting(t *testing.T) {
	d := tempDirectory(t)

	// frozen leftovers from a previous process occupy ids 0 and 1
	for _, id := range []int{0, 1} {
		if err := os.WriteFile(d.frozenPath(id), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	id, f, err := d.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	_ = f.Close()

	if id != 2 {
		t.Errorf("allocated id %d, want 2", id)
	}
}

func TestDirectoryFreezeAndList(t *testing.T) {
	d := tempDirectory(t)

	for i := 0; i < 3; i++ {
		id, f, err := d.allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		_ = f.Close()
		if err := d.freeze(id); err != nil {
			t.Fatalf("freeze %d: %v", id, err)
		}
	}

	ids, err := d.listFrozen()
	if err != nil {
		t.Fatalf("listFrozen: %v", err)
	}
	if !reflect.DeepEqual(ids, []int{0, 1, 2}) {
		t.Errorf("listFrozen = %v, want [0 1 2]", ids)
	}
}

func TestDirectoryRemoveUnknownSegment(t *testing.T) {
	d := tempDirectory(t)

	if err := d.removeFrozen(99); !errors.Is(err, ErrUnknownSegment) {
		t.Errorf("expected ErrUnknownSegment, got %v", err)
	}

	// an active (not frozen) segment is just as unknown to removeFrozen
	id, f, err := d.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	_ = f.Close()

	if err := d.removeFrozen(id); !errors.Is(err, ErrUnknownSegment) {
		t.Errorf("expected ErrUnknownSegment for active id, got %v", err)
	}
}

func TestDirectoryTransferActiveTruncatesTail(t *testing.T) {
	d := tempDirectory(t)

	good := EncodeFrame(&Frame{Kind: kindSet, TS: 1, A: []byte("k"), B: []byte("v")})
	torn := EncodeFrame(&Frame{Kind: kindSet, TS: 2, A: []byte("lost"), B: []byte("lost")})

	id, f, err := d.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := f.Write(good); err != nil {
		t.Fatal(err)
	}
	// crash mid-append: only half of the next record makes it
	if _, err := f.Write(torn[:len(torn)/2]); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if err := d.transferActive(); err != nil {
		t.Fatalf("transferActive: %v", err)
	}

	ids, err := d.listFrozen()
	if err != nil {
		t.Fatalf("listFrozen: %v", err)
	}
	if !reflect.DeepEqual(ids, []int{id}) {
		t.Fatalf("listFrozen = %v, want [%d]", ids, id)
	}

	info, err := os.Stat(d.frozenPath(id))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(good)) {
		t.Errorf("frozen size %d, want %d (torn tail truncated)", info.Size(), len(good))
	}

	if remaining, err := d.listIDs(activeExt); err != nil || len(remaining) != 0 {
		t.Errorf("active files left after transfer: %v, %v", remaining, err)
	}
}
