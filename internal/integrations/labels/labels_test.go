package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCOCO(t *testing.T) {
	names := COCO()
	require.Len(t, names, 80)
	assert.Equal(t, "person", names[0])
	assert.Equal(t, "toothbrush", names[79])

	names[0] = "changed"
	assert.Equal(t, "person", COCO()[0])
}

func TestCOCOPaper(t *testing.T) {
	names := COCOPaper()
	require.Len(t, names, 91)
	assert.Equal(t, "person", names[1])
	assert.Equal(t, "fire hydrant", names[11])
	assert.Equal(t, "stop sign", names[13])
	assert.Equal(t, "dog", names[18])
	assert.Equal(t, "toothbrush", names[90])

	_, ok := Lookup(names, 0)
	assert.False(t, ok)
	_, ok = Lookup(names, 12)
	assert.False(t, ok)
	name, ok := Lookup(names, 1)
	assert.True(t, ok)
	assert.Equal(t, "person", name)
}

func TestLookupOutOfRange(t *testing.T) {
	_, ok := Lookup(COCO(), 80)
	assert.False(t, ok)
	_, ok = Lookup(COCO(), -1)
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("# custom model\nperson\n\n  forklift \n"), 0644))

	names, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "forklift"}, names)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n# nothing\n"), 0644))
	_, err = Load(empty)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestLoadOr(t *testing.T) {
	names, err := LoadOr("", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}
