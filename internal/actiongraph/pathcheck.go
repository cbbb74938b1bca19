package actiongraph

import (
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/fileitem"
)

// maxPathLength is the classic Windows MAX_PATH limit. Paths reaching it
// break remote workers and tools on that platform, so the engine refuses
// them everywhere.
const maxPathLength = 260

// CheckPathLengths warns about produced items nested deeply under the engine
// root and fails the build for any item whose absolute path would break on a
// 260-character filesystem.
func CheckPathLengths(actions []*LinkedAction, engineRoot string, nestedWarnLimit int) error {
	root := strings.TrimRight(engineRoot, "/\\")
	warned := make(map[*fileitem.Item]bool)
	for _, la := range actions {
		for _, item := range la.ProducedItems {
			if nestedWarnLimit > 0 && !warned[item] {
				if rel, ok := strings.CutPrefix(item.Path(), root); ok && len(rel) > nestedWarnLimit {
					warned[item] = true
					logrus.WithField("path", item.Path()).Warnf(
						"produced item is nested %d characters below the engine root (limit %d)",
						len(rel), nestedWarnLimit)
				}
			}
		}
		for _, items := range [][]*fileitem.Item{la.PrerequisiteItems, la.ProducedItems} {
			for _, item := range items {
				if len(item.Path()) >= maxPathLength {
					return xerrors.Errorf("path %s is %d characters long, exceeding the %d character limit",
						item.Path(), len(item.Path()), maxPathLength)
				}
			}
		}
	}
	return nil
}
