package gitops

import (
	"errors"
	"fmt"
	"strings"
)

// GitError wraps a failed git step. Its text is surfaced verbatim into the
// model transcript and owner chat, so the format is part of the protocol.
type GitError struct {
	Step   string
	Output string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("⚠️ GIT_ERROR (%s): %s", e.Step, strings.TrimSpace(e.Output))
}

// ErrNoChanges reports a commit attempt on a clean tree. Like GitError, the
// text is shown to the model as-is.
var ErrNoChanges = errors.New("⚠️ GIT_NO_CHANGES: nothing to commit.")

// IsReportable returns true when err should be returned to the model as a
// tool result rather than escalated as an infrastructure failure.
func IsReportable(err error) bool {
	var ge *GitError
	return errors.As(err, &ge) || errors.Is(err, ErrNoChanges)
}
