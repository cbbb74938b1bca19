package graphrun

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/executor"
	"github.com/st0ke/stoke/internal/taskdef"
)

// DefaultRegistry returns the built-in task set.
func DefaultRegistry() *taskdef.Registry {
	r := taskdef.NewRegistry()
	r.Register(logDefinition())
	r.Register(copyDefinition())
	r.Register(deleteDefinition())
	r.Register(commandDefinition())
	r.Register(tagDefinition())
	return r
}

const (
	logLevelInfo = iota
	logLevelWarning
	logLevelError
)

type logTask struct {
	message string
	level   int
}

func logDefinition() *taskdef.Definition {
	return &taskdef.Definition{
		Name: "Log",
		Parameters: []taskdef.Parameter{
			{Name: "Message", Kind: taskdef.KindString, Validation: taskdef.ValidateBalancedString},
			{Name: "Level", Kind: taskdef.KindEnum, Optional: true, Default: logLevelInfo,
				Enum: map[string]int{"Info": logLevelInfo, "Warning": logLevelWarning, "Error": logLevelError}},
		},
		Create: func(p *taskdef.Params) (taskdef.Task, error) {
			return &logTask{message: p.String("Message"), level: p.Int("Level")}, nil
		},
	}
}

func (t *logTask) Name() string                         { return "Log" }
func (t *logTask) ConsumedTags() []string               { return nil }
func (t *logTask) ProducedTags() []string               { return nil }
func (t *logTask) BatchExecutor() taskdef.BatchExecutor { return nil }

func (t *logTask) Execute(_ context.Context, _ *taskdef.Context) error {
	switch t.level {
	case logLevelError:
		logrus.Error(t.message)
	case logLevelWarning:
		logrus.Warning(t.message)
	default:
		logrus.Info(t.message)
	}
	return nil
}

type copyTask struct {
	files string
	to    string
	tag   string
}

func copyDefinition() *taskdef.Definition {
	return &taskdef.Definition{
		Name: "Copy",
		Parameters: []taskdef.Parameter{
			{Name: "Files", Kind: taskdef.KindString, Validation: taskdef.ValidateTag},
			{Name: "To", Kind: taskdef.KindDir},
			{Name: "Tag", Kind: taskdef.KindString, Validation: taskdef.ValidateTag, Optional: true},
		},
		Create: func(p *taskdef.Params) (taskdef.Task, error) {
			return &copyTask{files: p.String("Files"), to: p.String("To"), tag: p.String("Tag")}, nil
		},
	}
}

func (t *copyTask) Name() string           { return "Copy" }
func (t *copyTask) ConsumedTags() []string { return []string{t.files} }
func (t *copyTask) ProducedTags() []string {
	if t.tag == "" {
		return nil
	}
	return []string{t.tag}
}
func (t *copyTask) BatchExecutor() taskdef.BatchExecutor { return nil }

func (t *copyTask) Execute(_ context.Context, tc *taskdef.Context) error {
	if err := os.MkdirAll(t.to, 0755); err != nil {
		return err
	}
	for _, src := range tc.TagFiles(t.files) {
		dest := filepath.Join(t.to, filepath.Base(src))
		if err := copyFile(src, dest); err != nil {
			return xerrors.Errorf("copying %s: %w", src, err)
		}
		if t.tag != "" {
			tc.Produce(dest, t.tag)
		} else {
			tc.Produce(dest)
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type deleteTask struct {
	files []string
}

func deleteDefinition() *taskdef.Definition {
	return &taskdef.Definition{
		Name: "Delete",
		Parameters: []taskdef.Parameter{
			{Name: "Files", Kind: taskdef.KindFile, Collection: true},
		},
		Create: func(p *taskdef.Params) (taskdef.Task, error) {
			return &deleteTask{files: p.Strings("Files")}, nil
		},
	}
}

func (t *deleteTask) Name() string                         { return "Delete" }
func (t *deleteTask) ConsumedTags() []string               { return nil }
func (t *deleteTask) ProducedTags() []string               { return nil }
func (t *deleteTask) BatchExecutor() taskdef.BatchExecutor { return nil }

func (t *deleteTask) Execute(_ context.Context, _ *taskdef.Context) error {
	for _, f := range t.files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

type commandTask struct {
	exec      string
	arguments string
	outputs   []string
	tag       string
	batch     bool
}

func commandDefinition() *taskdef.Definition {
	return &taskdef.Definition{
		Name: "Command",
		Parameters: []taskdef.Parameter{
			{Name: "Exec", Kind: taskdef.KindFile},
			{Name: "Arguments", Kind: taskdef.KindString, Validation: taskdef.ValidateBalancedString, Optional: true},
			{Name: "OutputFiles", Kind: taskdef.KindFile, Collection: true, Optional: true},
			{Name: "Tag", Kind: taskdef.KindString, Validation: taskdef.ValidateTag, Optional: true},
			{Name: "Batch", Kind: taskdef.KindBool, Optional: true},
		},
		Create: func(p *taskdef.Params) (taskdef.Task, error) {
			return &commandTask{
				exec:      p.String("Exec"),
				arguments: p.String("Arguments"),
				outputs:   p.Strings("OutputFiles"),
				tag:       p.String("Tag"),
				batch:     p.Bool("Batch"),
			}, nil
		},
	}
}

func (t *commandTask) Name() string           { return "Command" }
func (t *commandTask) ConsumedTags() []string { return nil }
func (t *commandTask) ProducedTags() []string {
	if t.tag == "" {
		return nil
	}
	return []string{t.tag}
}

func (t *commandTask) BatchExecutor() taskdef.BatchExecutor {
	if !t.batch {
		return nil
	}
	return &commandBatch{cmds: []*commandTask{t}}
}

func (t *commandTask) run(ctx context.Context, tc *taskdef.Context) error {
	args, err := executor.SplitCommandLine(t.arguments)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, t.exec, args...)
	cmd.Dir = tc.RootDir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		logrus.WithField("command", filepath.Base(t.exec)).Info(strings.TrimRight(string(out), "\n"))
	}
	if err != nil {
		return xerrors.Errorf("%s %s: %v", t.exec, t.arguments, err)
	}
	t.recordOutputs(tc)
	return nil
}

func (t *commandTask) recordOutputs(tc *taskdef.Context) {
	for _, f := range t.outputs {
		if t.tag != "" {
			tc.Produce(f, t.tag)
		} else {
			tc.Produce(f)
		}
	}
}

func (t *commandTask) Execute(ctx context.Context, tc *taskdef.Context) error {
	return t.run(ctx, tc)
}

// commandBatch merges adjacent batch-consenting Command tasks into a single
// shell invocation.
type commandBatch struct {
	cmds []*commandTask
}

func (b *commandBatch) Absorb(next taskdef.Task) bool {
	c, ok := next.(*commandTask)
	if !ok || !c.batch {
		return false
	}
	b.cmds = append(b.cmds, c)
	return true
}

func (b *commandBatch) Execute(ctx context.Context, tc *taskdef.Context) error {
	if len(b.cmds) == 1 {
		return b.cmds[0].run(ctx, tc)
	}
	var lines []string
	for _, c := range b.cmds {
		line := c.exec
		if c.arguments != "" {
			line += " " + c.arguments
		}
		lines = append(lines, line)
	}
	script := strings.Join(lines, " && ")
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Dir = tc.RootDir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		logrus.WithField("batch", len(b.cmds)).Info(strings.TrimRight(string(out), "\n"))
	}
	if err != nil {
		return xerrors.Errorf("batched commands %q: %v", script, err)
	}
	for _, c := range b.cmds {
		c.recordOutputs(tc)
	}
	return nil
}

type tagTask struct {
	files []string
	with  string
}

func tagDefinition() *taskdef.Definition {
	return &taskdef.Definition{
		Name: "Tag",
		Parameters: []taskdef.Parameter{
			{Name: "Files", Kind: taskdef.KindString, Validation: taskdef.ValidateTagList, Collection: true},
			{Name: "With", Kind: taskdef.KindString, Validation: taskdef.ValidateTag},
		},
		Create: func(p *taskdef.Params) (taskdef.Task, error) {
			return &tagTask{files: p.Strings("Files"), with: p.String("With")}, nil
		},
	}
}

func (t *tagTask) Name() string                         { return "Tag" }
func (t *tagTask) ConsumedTags() []string               { return t.files }
func (t *tagTask) ProducedTags() []string               { return []string{t.with} }
func (t *tagTask) BatchExecutor() taskdef.BatchExecutor { return nil }

// Execute retags files this node produced under an additional tag. Input
// files stay owned by their producing node's blocks; retag those there.
func (t *tagTask) Execute(_ context.Context, tc *taskdef.Context) error {
	for _, tag := range t.files {
		for _, f := range tc.TagFiles(tag) {
			tc.Produce(f, t.with)
		}
	}
	return nil
}
