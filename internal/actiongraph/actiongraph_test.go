package actiongraph

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/st0ke/stoke/internal/fileitem"
)

type fixture struct {
	files *fileitem.Cache
}

func newFixture() *fixture {
	return &fixture{files: fileitem.NewCache()}
}

func (f *fixture) action(cmd string, produces []string, requires []string) *Action {
	a := &Action{
		Type:             ActionCompile,
		CommandPath:      "/usr/bin/tool",
		CommandArguments: cmd,
		CommandVersion:   "1",
		WorkingDirectory: "/work",
	}
	for _, p := range produces {
		a.ProducedItems = append(a.ProducedItems, f.files.Get(p))
	}
	for _, r := range requires {
		a.PrerequisiteItems = append(a.PrerequisiteItems, f.files.Get(r))
	}
	return a
}

func indexOf(t *testing.T, linked []*LinkedAction, a *Action) int {
	t.Helper()
	for i, la := range linked {
		if la.Action == a {
			return i
		}
	}
	t.Fatalf("action %q missing from linked output", a.CommandArguments)
	return -1
}

func TestLinkOrdersProducersFirst(t *testing.T) {
	f := newFixture()
	compile1 := f.action("compile a", []string{"/out/a.o"}, []string{"/src/a.c"})
	compile2 := f.action("compile b", []string{"/out/b.o"}, []string{"/src/b.c"})
	link := f.action("link", []string{"/out/prog"}, []string{"/out/a.o", "/out/b.o"})
	archive := f.action("archive", []string{"/out/prog.tar"}, []string{"/out/prog"})

	linked, err := Link([]*Action{archive, link, compile2, compile1})
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 4 {
		t.Fatalf("got %d linked actions, want 4", len(linked))
	}
	for _, la := range linked {
		for _, p := range la.Prerequisites {
			if indexOf(t, linked, p.Action) >= indexOf(t, linked, la.Action) {
				t.Errorf("producer %q does not precede consumer %q", p.CommandArguments, la.CommandArguments)
			}
		}
	}

	byAction := map[*Action]*LinkedAction{}
	for _, la := range linked {
		byAction[la.Action] = la
	}
	if got := byAction[compile1].NumTotalDependents; got != 2 {
		t.Errorf("compile a: NumTotalDependents = %d, want 2 (link, archive)", got)
	}
	if got := byAction[archive].NumTotalDependents; got != 0 {
		t.Errorf("archive: NumTotalDependents = %d, want 0", got)
	}
	if len(byAction[link].Prerequisites) != 2 {
		t.Errorf("link: got %d prerequisite actions, want 2", len(byAction[link].Prerequisites))
	}
}

func TestLinkRejectsCycle(t *testing.T) {
	f := newFixture()
	a := f.action("produce a.o", []string{"/out/a.o"}, []string{"/out/b.o"})
	b := f.action("produce b.o", []string{"/out/b.o"}, []string{"/out/a.o"})
	ok := f.action("independent", []string{"/out/c.o"}, []string{"/src/c.c"})

	_, err := Link([]*Action{a, b, ok})
	if err == nil {
		t.Fatal("Link succeeded on a cyclic graph")
	}
	var cycle *CycleError
	if !asCycleError(err, &cycle) {
		t.Fatalf("got %T, want *CycleError", err)
	}
	if len(cycle.Cyclic) != 2 {
		t.Fatalf("diagnostic names %d actions, want both cycle members", len(cycle.Cyclic))
	}
	msg := err.Error()
	for _, want := range []string{"produce a.o", "produce b.o"} {
		if !strings.Contains(msg, want) {
			t.Errorf("diagnostic %q does not mention %q", msg, want)
		}
	}
	if strings.Contains(msg, "independent") {
		t.Errorf("diagnostic mentions the acyclic action:\n%s", msg)
	}
}

func asCycleError(err error, target **CycleError) bool {
	if ce, ok := err.(*CycleError); ok {
		*target = ce
		return true
	}
	return false
}

func TestConflictFieldMask(t *testing.T) {
	f := newFixture()
	first := f.action("compile a", []string{"/out/a.o"}, []string{"/src/a.c"})
	second := f.action("compile a -O3", []string{"/out/a.o"}, []string{"/src/a.c"})
	second.WorkingDirectory = "/elsewhere"

	err := CheckForConflicts([]*Action{first, second})
	if err == nil {
		t.Fatal("CheckForConflicts accepted diverging producers")
	}
	conflict, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("got %T, want *ConflictError", err)
	}
	want := ConflictCommandArguments | ConflictWorkingDirectory
	if conflict.Reason != want {
		t.Errorf("Reason = %v, want %v", conflict.Reason, want)
	}
	// The dump must be parseable JSON containing both actions.
	start := strings.IndexByte(conflict.Error(), '[')
	var dumped []map[string]interface{}
	if err := json.Unmarshal([]byte(conflict.Error()[start:]), &dumped); err != nil {
		t.Fatalf("conflict dump is not JSON: %v", err)
	}
	if len(dumped) != 2 {
		t.Fatalf("conflict dump contains %d actions, want 2", len(dumped))
	}
}

func TestEquivalentDuplicatesAllowed(t *testing.T) {
	f := newFixture()
	first := f.action("compile shared", []string{"/out/shared.o"}, []string{"/src/shared.c"})
	second := f.action("compile shared", []string{"/out/shared.o"}, []string{"/src/shared.c"})
	if err := CheckForConflicts([]*Action{first, second}); err != nil {
		t.Fatalf("equivalent duplicates rejected: %v", err)
	}
}

func TestMergeTargets(t *testing.T) {
	f := newFixture()
	shared1 := f.action("compile shared", []string{"/out/shared.o"}, []string{"/src/shared.c"})
	shared2 := f.action("compile shared", []string{"/out/shared.o"}, []string{"/src/shared.c"})
	only := f.action("compile game", []string{"/out/game.o"}, []string{"/src/game.c"})

	merged, err := MergeTargets([]TargetActions{
		{Group: "Editor", Actions: []*Action{shared1}},
		{Group: "Game", Actions: []*Action{shared2, only}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 2 {
		t.Fatalf("got %d merged actions, want 2", len(merged))
	}
	if got := strings.Join(merged[0].GroupNames, "+"); got != "Editor+Game" {
		t.Errorf("shared action groups = %q, want Editor+Game", got)
	}
	if got := strings.Join(merged[1].GroupNames, "+"); got != "Game" {
		t.Errorf("game action groups = %q, want Game", got)
	}
}

func TestExportJSON(t *testing.T) {
	f := newFixture()
	a := f.action("compile a", []string{"/out/a.o"}, []string{"/src/a.c"})
	a.GroupNames = []string{"Editor"}
	linked, err := Link([]*Action{a})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := ExportJSON(&buf, map[string]string{"PATH": "/usr/bin"}, linked); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Environment map[string]string
		Actions     []struct {
			ID            int      `json:"id"`
			ActionType    string   `json:"action_type"`
			ProducedItems []string `json:"produced_items"`
			GroupNames    []string `json:"group_names"`
		}
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Environment["PATH"] != "/usr/bin" {
		t.Errorf("environment not exported: %v", doc.Environment)
	}
	if len(doc.Actions) != 1 || doc.Actions[0].ActionType != "Compile" ||
		len(doc.Actions[0].ProducedItems) != 1 || doc.Actions[0].GroupNames[0] != "Editor" {
		t.Errorf("unexpected export: %+v", doc.Actions)
	}
}

func TestCheckPathLengths(t *testing.T) {
	f := newFixture()
	long := "/out/" + strings.Repeat("d/", 140) + "x.o"
	a := f.action("compile", []string{long}, nil)
	linked, err := Link([]*Action{a})
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPathLengths(linked, "/out", 0); err == nil {
		t.Fatal("CheckPathLengths accepted a path beyond the limit")
	}

	ok := f.action("compile b", []string{"/out/b.o"}, nil)
	linked, err = Link([]*Action{ok})
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPathLengths(linked, "/out", 180); err != nil {
		t.Fatalf("CheckPathLengths rejected a short path: %v", err)
	}
}
