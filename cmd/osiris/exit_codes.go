package main

import (
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
)

// Exit codes: 0 success, 2 OML validation failure, 3 compilation failure,
// 4 runtime failure, 5 configuration/resolver failure.
const (
	exitSuccess              = oerrors.ExitSuccess
	exitOMLInvalid           = oerrors.ExitOMLInvalid
	exitCompileFailure       = oerrors.ExitCompileFailure
	exitRuntimeFailure       = oerrors.ExitRuntimeFailure
	exitConfigResolveFailure = oerrors.ExitConfigResolveFailure
)

// exitCodeFor classifies an error returned from a use-case function into one
// of the informative exit codes a scripted caller can branch on. It
// delegates to oerrors.ExitCodeFor, the same classifier the local and
// remote-proxy adapters use to populate session.Status.ExitCode, so a
// process's exit code and its persisted status.json always agree.
func exitCodeFor(err error) int {
	return oerrors.ExitCodeFor(err)
}
