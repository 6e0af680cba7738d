package model

import "testing"

type fakeApplOwner struct {
	id  string
	got []byte
}

func (f *fakeApplOwner) PushNotify(msgType uint32, payload []byte) error {
	f.got = payload
	return nil
}
func (f *fakeApplOwner) ID() string { return f.id }

func mustCreateIPCP(t *testing.T, dm *DataModel, name string) *IPCP {
	t.Helper()
	ip, err := dm.CreateIPCP(name, "test-dif", stubDIFType)
	if err != nil {
		t.Fatalf("CreateIPCP(%q): %v", name, err)
	}
	return ip
}

func TestRegisterAndLookupAppl(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	owner := &fakeApplOwner{id: "dev1"}

	a, err := dm.RegisterAppl(ip, "app.a", owner, 1, RegComplete)
	if err != nil {
		t.Fatalf("RegisterAppl: %v", err)
	}
	if a.State != RegComplete {
		t.Fatalf("State = %v, want RegComplete", a.State)
	}

	got, ok := dm.LookupAppl(ip, "app.a")
	if !ok || got != a {
		t.Fatalf("LookupAppl(app.a) = %v,%v; want %v,true", got, ok, a)
	}

	if _, err := dm.RegisterAppl(ip, "app.a", owner, 2, RegComplete); err == nil {
		t.Fatalf("RegisterAppl duplicate name should fail")
	}
}

func TestUnregisterApplRemovesFromTable(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	owner := &fakeApplOwner{id: "dev1"}

	if _, err := dm.RegisterAppl(ip, "app.b", owner, 1, RegComplete); err != nil {
		t.Fatalf("RegisterAppl: %v", err)
	}
	if err := dm.UnregisterAppl(ip, "app.b"); err != nil {
		t.Fatalf("UnregisterAppl: %v", err)
	}
	if _, ok := dm.LookupAppl(ip, "app.b"); ok {
		t.Fatalf("app.b should no longer be registered")
	}
	if err := dm.UnregisterAppl(ip, "app.b"); err == nil {
		t.Fatalf("UnregisterAppl of an already-removed name should fail")
	}
}

func TestSnapshotApplNames(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	owner := &fakeApplOwner{id: "dev1"}

	for _, name := range []string{"app.a", "app.b", "app.c"} {
		if _, err := dm.RegisterAppl(ip, name, owner, 0, RegComplete); err != nil {
			t.Fatalf("RegisterAppl(%q): %v", name, err)
		}
	}
	names := dm.SnapshotApplNames(ip)
	if len(names) != 3 {
		t.Fatalf("SnapshotApplNames returned %d names, want 3", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	for _, want := range []string{"app.a", "app.b", "app.c"} {
		if !seen[want] {
			t.Fatalf("SnapshotApplNames missing %q", want)
		}
	}
}

func TestMoveApplReparentsOwner(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	oldOwner := &fakeApplOwner{id: "dev1"}
	newOwner := &fakeApplOwner{id: "dev2"}

	a, err := dm.RegisterAppl(ip, "app.a", oldOwner, 0, RegComplete)
	if err != nil {
		t.Fatalf("RegisterAppl: %v", err)
	}
	if err := dm.MoveAppl(ip, "app.a", newOwner); err != nil {
		t.Fatalf("MoveAppl: %v", err)
	}
	if a.Owner != newOwner {
		t.Fatalf("Owner after MoveAppl = %v, want newOwner", a.Owner)
	}

	if err := dm.MoveAppl(ip, "app.does-not-exist", newOwner); err == nil {
		t.Fatalf("MoveAppl of an unregistered name should fail")
	}
}

func TestRegisterApplOnZombieIPCPFails(t *testing.T) {
	dm := newTestDM(t)
	ip := mustCreateIPCP(t, dm, "ipcp1")
	if err := dm.DestroyIPCP(ip.ID); err != nil {
		t.Fatalf("DestroyIPCP: %v", err)
	}
	if _, err := dm.RegisterAppl(ip, "app.a", &fakeApplOwner{id: "dev1"}, 0, RegComplete); err == nil {
		t.Fatalf("RegisterAppl on a destroyed ipcp should fail")
	}
}
