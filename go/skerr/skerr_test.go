package skerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/sai/go/skerr"
)

func TestWrap_NilIsNil(t *testing.T) {
	require.NoError(t, skerr.Wrap(nil))
}

func TestWrap_AddsFrame(t *testing.T) {
	err := skerr.Wrap(errors.New("boom"))
	require.Error(t, err)
	require.Regexp(t, `^boom\. At skerr_test\.go:\d+$`, err.Error())
}

func TestFmt(t *testing.T) {
	err := skerr.Fmt("missing %s", "widget")
	require.Regexp(t, `^missing widget\. At skerr_test\.go:\d+$`, err.Error())
}

func TestUnwrap(t *testing.T) {
	base := errors.New("root cause")
	err := skerr.Wrap(skerr.Wrap(base))
	require.Equal(t, base, skerr.Unwrap(err))
}

func TestUnwrapOtherErr(t *testing.T) {
	base := errors.New("not wrapped")
	require.Equal(t, base, skerr.Unwrap(base))
}
