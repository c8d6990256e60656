package sandbox

import (
	"context"
	"testing"
)

func TestFakeCreateExecDestroy(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.Create(ctx, CreateOpts{Image: "synapse/worker-base"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if h, err := f.Health(ctx, id); err != nil || !h.Alive {
		t.Fatalf("Health = %+v, %v, want alive", h, err)
	}

	f.ExecFunc = func(_ string, argv []string) ExecResult {
		return ExecResult{ExitCode: 0, Stdout: "ran " + argv[0]}
	}
	res, err := f.Exec(ctx, id, []string{"echo", "hi"}, 5)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ran echo" {
		t.Fatalf("Exec result = %+v", res)
	}

	if err := f.Destroy(ctx, id, "", true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if h, err := f.Health(ctx, id); err != nil || h.Alive {
		t.Fatalf("Health after destroy = %+v, %v, want not alive", h, err)
	}
	if _, err := f.Exec(ctx, id, []string{"echo"}, 5); err == nil {
		t.Fatalf("expected Exec on destroyed container to fail")
	}
}

func TestFakeDestroyIsIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id, _ := f.Create(ctx, CreateOpts{})
	if err := f.Destroy(ctx, id, "", false); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := f.Destroy(ctx, id, "", false); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestFakeRestartPreservesWorkspaceVolume(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, _ := f.Create(ctx, CreateOpts{Project: "demo"})
	f.WriteWorkspaceFile("demo", "task.json", `{"id":"t1"}`)

	if err := f.Destroy(ctx, id, "demo", false); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := f.Create(ctx, CreateOpts{Project: "demo"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}

	content, ok := f.ReadWorkspaceFile("demo", "task.json")
	if !ok || content != `{"id":"t1"}` {
		t.Fatalf("expected workspace file to survive restart, got %q, ok=%v", content, ok)
	}
}

func TestFakeDestroyWithRemoveVolumeDropsWorkspace(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, _ := f.Create(ctx, CreateOpts{Project: "demo"})
	f.WriteWorkspaceFile("demo", "task.json", `{"id":"t1"}`)

	if err := f.Destroy(ctx, id, "demo", true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := f.ReadWorkspaceFile("demo", "task.json"); ok {
		t.Fatalf("expected workspace file to be gone after removeVolume destroy")
	}
}

func TestFakeIPsAreUnique(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id1, _ := f.Create(ctx, CreateOpts{})
	id2, _ := f.Create(ctx, CreateOpts{})
	ip1, _ := f.IP(ctx, id1)
	ip2, _ := f.IP(ctx, id2)
	if ip1 == ip2 {
		t.Fatalf("expected distinct IPs, got %s twice", ip1)
	}
}
