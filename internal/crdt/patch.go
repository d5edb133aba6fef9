package crdt

// PatchEffect classifies the observable effect of applying a remote sync
// message, so the document actor knows whether a file needs rewriting to
// disk, removing from disk, or nothing at all, and separately whether a
// cursor needs rebroadcasting.
type PatchEffect interface{ patchEffect() }

// FileChange means path's content changed and should be written to disk.
type FileChange struct{ Path string }

// FileRemoval means path no longer exists in the document and its file
// should be removed from disk.
type FileRemoval struct{ Path string }

// CursorChange means a peer's cursor moved and should be rebroadcast to
// connected editors.
type CursorChange struct{ CursorID string }

// NoEffect means the sync message touched the document but produced no
// observable change (e.g. a duplicate or already-applied update).
type NoEffect struct{}

func (FileChange) patchEffect()   {}
func (FileRemoval) patchEffect()  {}
func (CursorChange) patchEffect() {}
func (NoEffect) patchEffect()     {}
