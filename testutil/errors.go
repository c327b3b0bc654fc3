/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stretchr/testify/require"
)

// RequireNoErrorInChannel asserts that there is no error in buffered channel.
func RequireNoErrorInChannel(t require.TestingT, c <-chan error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	var err error
	select {
	case err = <-c:
	default:
	}
	require.NoError(t, err, msgAndArgs...)
}

// RequireErrorIsAny asserts that at least one of the errors in err's chain matches at least one target.
func RequireErrorIsAny(t require.TestingT, err error, targets []error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return
		}
	}
	expected := make([]string, 0, len(targets))
	for _, target := range targets {
		expected = append(expected, fmt.Sprintf("%q", target.Error()))
	}
	require.FailNow(t, fmt.Sprintf("At least one target error should be in err chain:\n"+
		"expected: [%s]\n"+
		"in chain: %s", strings.Join(expected, "; "), errorChainString(err),
	), msgAndArgs...)
}

func errorChainString(err error) string {
	if err == nil {
		return ""
	}
	chain := fmt.Sprintf("%q", err.Error())
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		chain += fmt.Sprintf("\n\t%q", e.Error())
	}
	return chain
}
