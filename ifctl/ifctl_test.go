package ifctl

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nyiyui/wgledger/errkind"
)

type fakeRunner struct {
	calls []string
	// fail maps a command line prefix to the shell exit status it fails with.
	fail map[string]int
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	for prefix, code := range f.fail {
		if strings.HasPrefix(line, prefix) {
			return execRunner(ctx, "sh", "-c", "echo failed; exit "+strconv.Itoa(code))
		}
	}
	return nil, nil
}

func TestRunExitCode(t *testing.T) {
	err := run(context.Background(), nil, "up", "sh", "-c", "echo no such device >&2; exit 3")
	var syncErr *errkind.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("got %v", err)
	}
	if syncErr.Step != "up" || syncErr.ExitCode != 3 || syncErr.Output != "no such device" {
		t.Fatalf("got %+v", syncErr)
	}
}

func TestRunNotFound(t *testing.T) {
	err := run(context.Background(), nil, "up", "/nonexistent/wg-quick", "up", "wg0")
	var syncErr *errkind.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("got %v", err)
	}
	if syncErr.ExitCode != -1 {
		t.Fatalf("ExitCode = %d", syncErr.ExitCode)
	}
}

func TestWGQuick(t *testing.T) {
	type test struct {
		name   string
		exists bool
		want   []string
	}
	tests := []test{
		{"absent", false, []string{"awg-quick up /etc/amnezia/wg0.conf"}},
		{"present", true, []string{"awg-quick down /etc/amnezia/wg0.conf", "awg-quick up /etc/amnezia/wg0.conf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := new(fakeRunner)
			w := &WGQuick{
				Command: "awg-quick",
				Run:     f.run,
				LinkExists: func(name string) bool {
					if name != "wg0" {
						t.Fatalf("LinkExists(%q)", name)
					}
					return tt.exists
				},
			}
			err := w.Apply(context.Background(), "/etc/amnezia/wg0.conf")
			if err != nil {
				t.Fatal(err)
			}
			if !cmp.Equal(f.calls, tt.want) {
				t.Log(cmp.Diff(f.calls, tt.want))
				t.Fatal("mismatch")
			}
		})
	}
}

func TestWGQuickDownFails(t *testing.T) {
	f := &fakeRunner{fail: map[string]int{"wg-quick down": 1}}
	w := &WGQuick{Run: f.run, LinkExists: func(string) bool { return true }}
	err := w.Apply(context.Background(), "/etc/wireguard/wg0.conf")
	var syncErr *errkind.SyncError
	if !errors.As(err, &syncErr) || syncErr.Step != "down" || syncErr.ExitCode != 1 {
		t.Fatalf("got %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("ran %v after a failed down", f.calls)
	}
}

func TestDocker(t *testing.T) {
	f := &fakeRunner{fail: map[string]int{"docker exec amnezia-awg ip link show": 1}}
	d := &Docker{
		Container:     "amnezia-awg",
		Command:       "awg-quick",
		ContainerPath: "/opt/amnezia/awg/wg0.conf",
		Run:           f.run,
	}
	err := d.Apply(context.Background(), "/var/lib/wgledger/wg0.conf")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"docker cp /var/lib/wgledger/wg0.conf amnezia-awg:/opt/amnezia/awg/wg0.conf",
		"docker exec amnezia-awg ip link show wg0",
		"docker exec amnezia-awg awg-quick up /opt/amnezia/awg/wg0.conf",
	}
	if !cmp.Equal(f.calls, want) {
		t.Log(cmp.Diff(f.calls, want))
		t.Fatal("mismatch")
	}

	f = &fakeRunner{}
	d.Run = f.run
	err = d.Apply(context.Background(), "/var/lib/wgledger/wg0.conf")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 4 || f.calls[2] != "docker exec amnezia-awg awg-quick down /opt/amnezia/awg/wg0.conf" {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestDockerContainerGone(t *testing.T) {
	f := &fakeRunner{fail: map[string]int{"docker exec": 2}}
	d := &Docker{Container: "amnezia-awg", ContainerPath: "/opt/amnezia/awg/wg0.conf", Run: f.run}
	err := d.Apply(context.Background(), "/var/lib/wgledger/wg0.conf")
	var syncErr *errkind.SyncError
	if !errors.As(err, &syncErr) || syncErr.Step != "check" || syncErr.ExitCode != 2 {
		t.Fatalf("got %v", err)
	}
}
