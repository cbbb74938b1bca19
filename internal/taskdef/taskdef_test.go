package taskdef

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedTask struct {
	params   *Params
	consumes []string
	produces []string
}

func (r *recordedTask) Name() string                 { return "Record" }
func (r *recordedTask) ConsumedTags() []string       { return r.consumes }
func (r *recordedTask) ProducedTags() []string       { return r.produces }
func (r *recordedTask) BatchExecutor() BatchExecutor { return nil }
func (r *recordedTask) Execute(context.Context, *Context) error {
	return nil
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Definition{
		Name: "Record",
		Parameters: []Parameter{
			{Name: "Files", Kind: KindString, Validation: ValidateTag},
			{Name: "With", Kind: KindString, Validation: ValidateTag, Optional: true},
			{Name: "Exclude", Kind: KindString, Validation: ValidateTagList, Optional: true, Collection: true},
			{Name: "Message", Kind: KindString, Validation: ValidateBalancedString, Optional: true},
			{Name: "Level", Kind: KindEnum, Optional: true, Enum: map[string]int{"Info": 0, "Error": 2}, Default: 0},
			{Name: "Strict", Kind: KindBool, Optional: true},
			{Name: "Retries", Kind: KindInt, Optional: true},
			{Name: "Dir", Kind: KindDir, Optional: true},
		},
		Create: func(p *Params) (Task, error) {
			t := &recordedTask{params: p, consumes: []string{p.String("Files")}}
			if with := p.String("With"); with != "" {
				t.produces = []string{with}
			}
			return t, nil
		},
	})
	return r
}

func binder() *Binder {
	return &Binder{
		Registry: testRegistry(),
		RootDir:  "/workspace",
		Inputs:   map[string]bool{"#in": true},
		Outputs:  map[string]bool{"#out": true},
	}
}

func info(args map[string]string) TaskInfo {
	return TaskInfo{
		Name:      "Record",
		Arguments: args,
		Location:  SourceLocation{File: "build.xml", Line: 42},
	}
}

func TestBind(t *testing.T) {
	task, err := binder().Bind(info(map[string]string{
		"Files":   "#in",
		"With":    "#out",
		"Exclude": "#a; #b",
		"Level":   "Error",
		"Strict":  "true",
		"Retries": "3",
		"Dir":     "Engine/Binaries",
	}))
	require.NoError(t, err)
	rt := task.(*recordedTask)
	require.Equal(t, "#in", rt.params.String("Files"))
	require.Equal(t, []string{"#a", "#b"}, rt.params.Strings("Exclude"))
	require.Equal(t, 2, rt.params.Int("Level"))
	require.True(t, rt.params.Bool("Strict"))
	require.Equal(t, 3, rt.params.Int("Retries"))
	require.Equal(t, "/workspace/Engine/Binaries", rt.params.String("Dir"))
}

func TestBindEnumDefault(t *testing.T) {
	task, err := binder().Bind(info(map[string]string{"Files": "#in"}))
	require.NoError(t, err)
	require.Equal(t, 0, task.(*recordedTask).params.Int("Level"))
}

func TestBindErrorsCarryLocation(t *testing.T) {
	for name, args := range map[string]map[string]string{
		"missing required":  {},
		"unknown parameter": {"Files": "#in", "Bogus": "x"},
		"bad tag":           {"Files": "notatag"},
		"bad tag list":      {"Files": "#in", "Exclude": "#a;nope"},
		"bad enum":          {"Files": "#in", "Level": "Loud"},
		"bad int":           {"Files": "#in", "Retries": "many"},
		"unbalanced string": {"Files": "#in", "Message": `say "half`},
	} {
		_, err := binder().Bind(info(args))
		require.Error(t, err, name)
		require.Contains(t, err.Error(), "build.xml:42", name)
	}
}

func TestBindUnknownTask(t *testing.T) {
	_, err := binder().Bind(TaskInfo{Name: "Nope", Location: SourceLocation{File: "s.xml", Line: 7}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "s.xml:7")
	require.Contains(t, err.Error(), "Nope")
}

func TestTagFlowValidation(t *testing.T) {
	b := binder()

	// Consuming an undeclared tag fails.
	_, err := b.Bind(info(map[string]string{"Files": "#elsewhere"}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "#elsewhere")

	// Producing an undeclared tag fails.
	_, err = b.Bind(info(map[string]string{"Files": "#in", "With": "#undeclared"}))
	require.Error(t, err)

	// A tag produced by an earlier task becomes consumable locally.
	_, err = b.Bind(info(map[string]string{"Files": "#in", "With": "#out"}))
	require.NoError(t, err)
	_, err = b.Bind(info(map[string]string{"Files": "#out"}))
	require.NoError(t, err, "locally produced tag must be consumable")
}

func TestConditionEvaluatorHook(t *testing.T) {
	b := binder()
	b.Eval = func(expr string) (bool, error) {
		return strings.Contains(expr, "IsBuildMachine"), nil
	}
	task, err := b.Bind(info(map[string]string{"Files": "#in", "Strict": "$(IsBuildMachine) == true"}))
	require.NoError(t, err)
	require.True(t, task.(*recordedTask).params.Bool("Strict"))
}

func TestContextProduce(t *testing.T) {
	c := NewContext("/ws")
	c.SetTagFiles("#in", []string{"/ws/a"})
	c.Produce("/ws/out1")
	c.Produce("/ws/out2", "#custom")
	c.Produce("/ws/out2", "#custom") // duplicate add is idempotent on the tag set

	require.Equal(t, []string{"/ws/out2"}, c.TagFiles("#custom"))
	produced := c.ProducedFiles()
	require.Len(t, produced, 3)
	require.Empty(t, produced[0].Tags)
	require.Equal(t, []string{"#custom"}, produced[1].Tags)
}
