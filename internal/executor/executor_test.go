package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/st0ke/stoke/internal/actiongraph"
	"github.com/st0ke/stoke/internal/fileitem"
)

func TestSplitCommandLine(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want []string
	}{
		{`-o out.bin in.src`, []string{"-o", "out.bin", "in.src"}},
		{`-c "echo hello world"`, []string{"-c", "echo hello world"}},
		{`-D'NAME=va lue' x`, []string{"-DNAME=va lue", "x"}},
		{`a\ b c`, []string{"a b", "c"}},
		{``, nil},
		{`  `, nil},
	} {
		got, err := SplitCommandLine(tt.in)
		if err != nil {
			t.Errorf("SplitCommandLine(%q): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("SplitCommandLine(%q): diff (-want +got):\n%s", tt.in, diff)
		}
	}
	for _, in := range []string{`"unterminated`, `trailing\`} {
		if _, err := SplitCommandLine(in); err == nil {
			t.Errorf("SplitCommandLine(%q) succeeded, want error", in)
		}
	}
}

func shellAction(files *fileitem.Cache, script string, produces, requires []string) *actiongraph.Action {
	a := &actiongraph.Action{
		Type:             actiongraph.ActionCompile,
		CommandPath:      "/bin/sh",
		CommandArguments: `-c '` + script + `'`,
		CommandVersion:   "1",
		WorkingDirectory: "/",
	}
	for _, p := range produces {
		a.ProducedItems = append(a.ProducedItems, files.Get(p))
	}
	for _, r := range requires {
		a.PrerequisiteItems = append(a.PrerequisiteItems, files.Get(r))
	}
	return a
}

func TestLocalExecutesInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	files := fileitem.NewCache()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")

	produce := shellAction(files, "echo one > "+first, []string{first}, nil)
	consume := shellAction(files, "cat "+first+" > "+second, []string{second}, []string{first})
	linked, err := actiongraph.Link([]*actiongraph.Action{consume, produce})
	if err != nil {
		t.Fatal(err)
	}

	local := &Local{MaxParallel: 4}
	if err := ExecuteActions(context.Background(), local, linked); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("consumer output missing: %v", err)
	}
	if string(b) != "one\n" {
		t.Fatalf("consumer ran before its producer: %q", b)
	}
}

func TestLocalReportsAllFailures(t *testing.T) {
	dir := t.TempDir()
	files := fileitem.NewCache()
	okOut := filepath.Join(dir, "ok")

	fail1 := shellAction(files, "echo boom1 >&2; exit 1", []string{filepath.Join(dir, "f1")}, nil)
	fail2 := shellAction(files, "echo boom2 >&2; exit 1", []string{filepath.Join(dir, "f2")}, nil)
	ok := shellAction(files, "echo fine > "+okOut, []string{okOut}, nil)
	dependent := shellAction(files, "echo never", []string{filepath.Join(dir, "never")},
		[]string{filepath.Join(dir, "f1")})

	linked, err := actiongraph.Link([]*actiongraph.Action{fail1, fail2, ok, dependent})
	if err != nil {
		t.Fatal(err)
	}
	local := &Local{MaxParallel: 4}
	execErr := local.Execute(context.Background(), linked)
	if execErr == nil {
		t.Fatal("Execute succeeded with failing actions")
	}
	buildErr, ok2 := execErr.(*BuildFailedError)
	if !ok2 {
		t.Fatalf("got %T, want *BuildFailedError", execErr)
	}
	if len(buildErr.Failures) != 2 {
		t.Fatalf("got %d failures, want both failing actions reported", len(buildErr.Failures))
	}
	for _, f := range buildErr.Failures {
		if f.Action.Action == dependent {
			t.Error("dependent of a failed action was launched")
		}
	}
}

func TestExecuteActionsVerifiesLinkOutputs(t *testing.T) {
	dir := t.TempDir()
	files := fileitem.NewCache()
	missing := filepath.Join(dir, "prog")

	// The action claims to link prog but never writes it.
	link := shellAction(files, "true", []string{missing}, nil)
	link.Type = actiongraph.ActionLink
	linked, err := actiongraph.Link([]*actiongraph.Action{link})
	if err != nil {
		t.Fatal(err)
	}
	err = ExecuteActions(context.Background(), &Local{MaxParallel: 1}, linked)
	if err == nil {
		t.Fatal("missing link output not detected")
	}
	if _, ok := err.(*BuildFailedError); !ok {
		t.Fatalf("got %T, want *BuildFailedError", err)
	}
}

func TestSortForExecution(t *testing.T) {
	files := fileitem.NewCache()
	a := &actiongraph.LinkedAction{Action: shellAction(files, "a", nil, nil), NumTotalDependents: 1, SortIndex: 0}
	b := &actiongraph.LinkedAction{Action: shellAction(files, "b", nil, nil), NumTotalDependents: 5, SortIndex: 1}
	c := &actiongraph.LinkedAction{Action: shellAction(files, "c", nil, nil), NumTotalDependents: 1, SortIndex: 2}
	actions := []*actiongraph.LinkedAction{a, b, c}
	SortForExecution(actions)
	if actions[0] != b {
		t.Error("most-depended-on action not first")
	}
	if actions[1] != a || actions[2] != c {
		t.Error("tie not broken stably")
	}
}

type fakeExecutor struct {
	name      string
	available bool
}

func (f *fakeExecutor) Name() string             { return f.name }
func (f *fakeExecutor) Available() (bool, error) { return f.available, nil }
func (f *fakeExecutor) Execute(context.Context, []*actiongraph.LinkedAction) error {
	return nil
}

func TestSelect(t *testing.T) {
	grid := &fakeExecutor{name: "grid", available: false}
	pool := &fakeExecutor{name: "pool", available: true}
	local := &Local{}
	candidates := []Executor{grid, pool}

	ex, err := Select("", []string{"grid", "pool"}, candidates, local)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Name() != "pool" {
		t.Errorf("preference selection = %q, want pool (grid unavailable)", ex.Name())
	}

	ex, err = Select("", []string{"grid"}, candidates, local)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Name() != "local" {
		t.Errorf("fallback selection = %q, want local", ex.Name())
	}

	if _, err := Select("grid", nil, candidates, local); err == nil {
		t.Error("explicitly requesting an unavailable executor must fail")
	}
	if _, err := Select("nonsense", nil, candidates, local); err == nil {
		t.Error("explicitly requesting an unknown executor must fail")
	}
}
