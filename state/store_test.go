package state

import (
	"errors"
	"testing"
	"time"

	"printwatch/device"
)

func TestPutGetRoundtrip(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	taken := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	snap := device.NewSnapshot("01S00C123400001", taken, device.SourcePoll, map[string]string{
		device.FieldGcodeState: "RUNNING",
		device.FieldProgress:   "42",
		device.FieldNozzleTemp: "219.9",
	})
	if err := store.Put(snap); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry := mustGet(t, store, "01S00C123400001")
	got := entry.Snapshot
	if got.DeviceID != "01S00C123400001" {
		t.Fatalf("expected device ID preserved, got %q", got.DeviceID)
	}
	if got.Source != device.SourcePoll {
		t.Fatalf("expected source %q, got %q", device.SourcePoll, got.Source)
	}
	if got.Taken.Unix() != taken.Unix() {
		t.Fatalf("expected taken %d, got %d", taken.Unix(), got.Taken.Unix())
	}
	if v, _ := got.Field(device.FieldGcodeState); v != "RUNNING" {
		t.Fatalf("expected gcode_state RUNNING, got %q", v)
	}
	if v, _ := got.Field(device.FieldNozzleTemp); v != "219.9" {
		t.Fatalf("expected nozzle_temp 219.9, got %q", v)
	}
	if entry.Fingerprint != snap.Fingerprint() {
		t.Fatalf("expected stored fingerprint %d, got %d", snap.Fingerprint(), entry.Fingerprint)
	}
	if store.Count() != 1 {
		t.Fatalf("expected count 1, got %d", store.Count())
	}
}

func TestPutReplacesExistingEntry(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	first := time.Date(2025, 3, 4, 5, 0, 0, 0, time.UTC)
	second := first.Add(30 * time.Second)

	if err := store.Put(device.NewSnapshot("dev1", first, device.SourcePoll, map[string]string{
		device.FieldGcodeState: "RUNNING",
		device.FieldProgress:   "10",
	})); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := store.Put(device.NewSnapshot("dev1", second, device.SourcePush, map[string]string{
		device.FieldGcodeState: "PAUSE",
		device.FieldProgress:   "11",
	})); err != nil {
		t.Fatalf("put second: %v", err)
	}

	entry := mustGet(t, store, "dev1")
	if v, _ := entry.Snapshot.Field(device.FieldGcodeState); v != "PAUSE" {
		t.Fatalf("expected replaced gcode_state PAUSE, got %q", v)
	}
	if entry.Snapshot.Source != device.SourcePush {
		t.Fatalf("expected source %q after replace, got %q", device.SourcePush, entry.Snapshot.Source)
	}
	if entry.Snapshot.Taken.Unix() != second.Unix() {
		t.Fatalf("expected taken %d, got %d", second.Unix(), entry.Snapshot.Taken.Unix())
	}
	if store.Count() != 1 {
		t.Fatalf("expected count 1 after replace, got %d", store.Count())
	}
}

func TestGetUnknownDeviceReturnsNil(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	entry, err := store.Get("never-seen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry for unknown device, got %+v", entry)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	taken := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put(device.NewSnapshot("dev1", taken, device.SourcePoll, map[string]string{
		device.FieldGcodeState: "FINISH",
	})); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	entry := mustGet(t, reopened, "dev1")
	if v, _ := entry.Snapshot.Field(device.FieldGcodeState); v != "FINISH" {
		t.Fatalf("expected gcode_state FINISH after reopen, got %q", v)
	}
	if reopened.Count() != 1 {
		t.Fatalf("expected count 1 after reopen, got %d", reopened.Count())
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	taken := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, id := range []string{"dev1", "dev2"} {
		if err := store.Put(device.NewSnapshot(id, taken, device.SourcePoll, map[string]string{
			device.FieldOnline: "true",
		})); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	if err := store.Delete("dev1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entry, err := store.Get("dev1"); err != nil {
		t.Fatalf("get deleted: %v", err)
	} else if entry != nil {
		t.Fatalf("expected dev1 removed, got %+v", entry)
	}
	mustGet(t, store, "dev2")
	if store.Count() != 1 {
		t.Fatalf("expected count 1 after delete, got %d", store.Count())
	}

	// Deleting an absent device is a no-op.
	if err := store.Delete("dev1"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("expected count unchanged after absent delete, got %d", store.Count())
	}
}

func TestEntriesListsAllDevices(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	taken := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	ids := []string{"alpha", "beta", "gamma"}
	for _, id := range ids {
		if err := store.Put(device.NewSnapshot(id, taken, device.SourcePoll, map[string]string{
			device.FieldProgress: "50",
		})); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	entries, err := store.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != len(ids) {
		t.Fatalf("expected %d entries, got %d", len(ids), len(entries))
	}
	// Pebble iterates in key order, so entries come back sorted by device ID.
	for i, id := range ids {
		if entries[i].Snapshot.DeviceID != id {
			t.Fatalf("expected entry %d to be %s, got %s", i, id, entries[i].Snapshot.DeviceID)
		}
	}
}

func TestPurgeOlderThanRemovesStaleDevices(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	old := time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC)
	fresh := old.Add(2 * time.Hour)

	if err := store.Put(device.NewSnapshot("devOld", old, device.SourcePoll, map[string]string{
		device.FieldOnline: "false",
	})); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := store.Put(device.NewSnapshot("devNew", fresh, device.SourcePoll, map[string]string{
		device.FieldOnline: "true",
	})); err != nil {
		t.Fatalf("put new: %v", err)
	}

	removed, err := store.PurgeOlderThan(old.Add(30 * time.Minute))
	if err != nil {
		t.Fatalf("purge older than: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if entry, err := store.Get("devOld"); err != nil {
		t.Fatalf("get old: %v", err)
	} else if entry != nil {
		t.Fatalf("expected stale device to be removed")
	}
	mustGet(t, store, "devNew")
	if store.Count() != 1 {
		t.Fatalf("expected count 1 after purge, got %d", store.Count())
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	store := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := store.Put(device.NewSnapshot("dev1", time.Now(), device.SourcePoll, map[string]string{
		device.FieldOnline: "true",
	}))
	if !errors.Is(err, errStoreClosed) {
		t.Fatalf("expected errStoreClosed, got %v", err)
	}
	if err := store.Delete("dev1"); !errors.Is(err, errStoreClosed) {
		t.Fatalf("expected errStoreClosed from delete, got %v", err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func mustGet(t *testing.T, store *Store, deviceID string) *Entry {
	t.Helper()
	entry, err := store.Get(deviceID)
	if err != nil {
		t.Fatalf("get %s: %v", deviceID, err)
	}
	if entry == nil {
		t.Fatalf("entry %s not found", deviceID)
	}
	return entry
}
