package otengine

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdsync/etherd/internal/textdelta"
)

func singleOp(startLine, startChar, endLine, endChar int, replacement string) textdelta.EditorTextDelta {
	return textdelta.EditorTextDelta{{
		Range: textdelta.Range{
			Start: textdelta.Position{Line: startLine, Character: startChar},
			End:   textdelta.Position{Line: endLine, Character: endChar},
		},
		Replacement: replacement,
	}}
}

func TestRoutesOperationsThroughEngine(t *testing.T) {
	engine := New("hello", nil)

	toEditor := engine.ApplyCRDTChange(textdelta.New().Retain(1).Insert("x").Retain(4))
	assert.Equal(t, 0, toEditor.Revision)

	_, toEditorFromOp, err := engine.ApplyEditorOperation(RevisionedEditorDelta{
		Revision: 0,
		Delta:    singleOp(0, 2, 0, 2, "y"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hxeyllo", engine.CurrentContent())
	assert.Len(t, toEditorFromOp, 1)

	toEditor = engine.ApplyCRDTChange(textdelta.New().Retain(3).Insert("z").Retain(4))
	assert.Equal(t, "hxezyllo", engine.CurrentContent())
	assert.Equal(t, 1, toEditor.Revision)

	// Editor deletes across what it thinks is "hxeyllo" -> "hlo", referencing
	// the revision before the "z" insert landed.
	_, _, err = engine.ApplyEditorOperation(RevisionedEditorDelta{
		Revision: 1,
		Delta:    singleOp(0, 1, 0, 5, ""),
	})
	require.NoError(t, err)
	assert.Equal(t, "hzlo", engine.CurrentContent())
}

func TestConcurrentNonOverlappingEditsConverge(t *testing.T) {
	content := "Let's say\nthis could be\na poem."
	engine := New(content, nil)

	engine.ApplyCRDTChange(textdelta.New().Insert("THE POEM\n").Retain(uint64(len([]rune(content)))))
	assert.Equal(t, "THE POEM\nLet's say\nthis could be\na poem.", engine.CurrentContent())

	_, _, err := engine.ApplyEditorOperation(RevisionedEditorDelta{
		Revision: 0,
		Delta:    singleOp(2, 0, 2, len("a poem"), "the boss"),
	})
	require.NoError(t, err)
	assert.Equal(t, "THE POEM\nLet's say\nthis could be\nthe boss.", engine.CurrentContent())
}

func TestApplyEditorOperationRejectsFutureRevision(t *testing.T) {
	engine := New("hello", nil)

	_, _, err := engine.ApplyEditorOperation(RevisionedEditorDelta{
		Revision: 5,
		Delta:    singleOp(0, 0, 0, 0, "x"),
	})
	assert.ErrorIs(t, err, ErrFutureRevision)
}

func TestApplyCRDTChangeWarnsPastUnconfirmedThreshold(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.WarnLevel)
	engine := New("", log)

	for i := 0; i <= maxUnconfirmedOps; i++ {
		engine.ApplyCRDTChange(textdelta.New().Insert("x"))
	}

	assert.NotEmpty(t, hook.Entries)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
