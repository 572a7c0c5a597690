package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandBare(t *testing.T) {
	out, err := Expand("echo {}", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "echo hello world", out)
}

func TestExpandFullLineIdentity(t *testing.T) {
	out, err := Expand("{}", "/a/b/c.h5")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c.h5", out)
}

func TestExpandFilepathDerivations(t *testing.T) {
	out, err := Expand("{/-}", "/a/b/c.h5")
	require.NoError(t, err)
	assert.Equal(t, "c", out)

	dir, err := Expand("{/}", "/a/b/c.h5")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", dir)

	stem, err := Expand("{-}", "/a/b/c.h5")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", stem)

	ext, err := Expand("{+}", "/a/b/c.h5")
	require.NoError(t, err)
	assert.Equal(t, "h5", ext)

	extDot, err := Expand("{++}", "/a/b/c.h5")
	require.NoError(t, err)
	assert.Equal(t, ".h5", extDot)
}

func TestExpandIndex(t *testing.T) {
	out, err := Expand("{[0]} {[1]} {[-1]}", "one two three")
	require.NoError(t, err)
	assert.Equal(t, "one two three", out)
}

func TestExpandSlice(t *testing.T) {
	out, err := Expand("{[1:3]}", "a b c d e")
	require.NoError(t, err)
	assert.Equal(t, "b c", out)
}

func TestExpandSliceWithStep(t *testing.T) {
	out, err := Expand("{[0:5:2]}", "a b c d e")
	require.NoError(t, err)
	assert.Equal(t, "a c e", out)
}

func TestExpandSliceOpenEnded(t *testing.T) {
	out, err := Expand("{[2:]}", "a b c d e")
	require.NoError(t, err)
	assert.Equal(t, "c d e", out)
}

func TestExpandShellSubstitution(t *testing.T) {
	out, err := Expand("{% echo @ %}", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestExpandExprArithmetic(t *testing.T) {
	out, err := Expand("{= 1 + 2 * 3 =}", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "7", out)
}

func TestExpandExprStringFunctions(t *testing.T) {
	out, err := Expand("{= upper(x) =}", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)
}

func TestExpandExprTemplateError(t *testing.T) {
	_, err := Expand("{= 1 / 0 =}", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplate)
}

func TestEvalComparisonAndLogic(t *testing.T) {
	v, err := Eval("len(x) > 2 and true", "abcd")
	require.NoError(t, err)
	assert.Equal(t, "true", v.String())
}
