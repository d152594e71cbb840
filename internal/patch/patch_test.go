package patch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const setupPy = `def get_llvm_package_info():
    url = "https://oaitriton.blob.core.windows.net/public/llvm-builds/{}.tar.gz"
    return url
`

func writeFile(t *testing.T, root, rel, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	return path
}

func TestReplaceAndAppend(t *testing.T) {
	root := t.TempDir()
	setup := writeFile(t, root, "python/setup.py", setupPy, 0o755)
	cfgPath := writeFile(t, root, "python/setup.cfg", "[metadata]\nname = triton", 0o644)

	a := NewApplier(root, Vars{"MIRROR_URL": "https://mirror.internal/llvm", "BUILD_DIR": "/build"}, nil)
	err := a.ApplyAll([]Patch{
		{File: "python/setup.py", Replace: true, Old: "https://oaitriton.blob.core.windows.net/public/llvm-builds", New: "${MIRROR_URL}"},
		{File: "python/setup.cfg", Append: []string{"[build_ext]", "build_temp = ${BUILD_DIR}"}},
	})
	require.NoError(t, err)

	got, err := os.ReadFile(setup)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"https://mirror.internal/llvm/{}.tar.gz"`)
	info, err := os.Stat(setup)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	got, err = os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "[metadata]\nname = triton\n[build_ext]\nbuild_temp = /build\n", string(got))
}

func TestApplyTwiceIsStable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "setup.py", setupPy, 0o644)
	cfgPath := writeFile(t, root, "setup.cfg", "", 0o644)
	patches := []Patch{
		{File: "setup.py", Replace: true, Old: "https://oaitriton.blob.core.windows.net/public/llvm-builds", New: "https://mirror.internal/llvm"},
		{File: "setup.cfg", Append: []string{"[build_ext]", "build_temp = /build"}},
	}
	a := NewApplier(root, nil, nil)
	require.NoError(t, a.ApplyAll(patches))
	require.NoError(t, a.ApplyAll(patches))

	got, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "[build_ext]\nbuild_temp = /build\n", string(got))
}

func TestReplaceContainingPatternAppliesOnce(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "setup.py", setupPy, 0o644)
	p := Patch{
		File:    "setup.py",
		Replace: true,
		Old:     "https://oaitriton.blob.core.windows.net",
		New:     "https://mirror.internal/proxy/https://oaitriton.blob.core.windows.net",
	}
	a := NewApplier(root, nil, nil)

	changed, err := a.Apply(p)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = a.Apply(p)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"https://mirror.internal/proxy/https://oaitriton.blob.core.windows.net/public/llvm-builds/{}.tar.gz"`)
	assert.Equal(t, 1, strings.Count(string(got), "https://mirror.internal/proxy/"))
}

func TestReplaceMissingPattern(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "setup.py", "print('hi')\n", 0o644)
	_, err := NewApplier(root, nil, nil).Apply(Patch{File: "setup.py", Replace: true, Old: "llvm-builds", New: "mirror"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPatternNotFound))
}

func TestMissingFile(t *testing.T) {
	err := NewApplier(t.TempDir(), nil, nil).ApplyAll([]Patch{{File: "nope.cfg", Append: []string{"x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.cfg")
}

func TestVarsFallBackToEnv(t *testing.T) {
	t.Setenv("WHEELWRIGHT_PATCH_PROBE", "from-env")
	v := Vars{"A": "a"}
	assert.Equal(t, "a/from-env/", v.Expand("${A}/${WHEELWRIGHT_PATCH_PROBE}/${UNSET_WHEELWRIGHT_VAR}"))
}
