package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/enforcer"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/registry"
)

func writeConfig(t *testing.T) (cfgPath, dbPath, modelPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "usb_devices.db")
	modelPath = filepath.Join(dir, "model.json.gz")
	cfgPath = filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`
database:
  path: %s
model:
  path: %s
  trees: 5
  max_depth: 4
enforcement:
  backend: none
  sysfs_root: %s
  rules_dir: %s
logging:
  level: error
`, dbPath, modelPath, filepath.Join(dir, "sys"), filepath.Join(dir, "rules"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))
	return cfgPath, dbPath, modelPath
}

func TestAdminCommands(t *testing.T) {
	cfgPath, dbPath, _ := writeConfig(t)
	ctx := context.Background()

	r, err := registry.Open(dbPath, time.Second, enforcer.None{})
	require.NoError(t, err)
	res, err := r.Observe(ctx, "05ac", "0221", "")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	id := fmt.Sprint(res.Device.ID)

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfgPath, []string{"block", id}, &out))
	assert.Contains(t, out.String(), "block")

	out.Reset()
	require.NoError(t, run(ctx, cfgPath, []string{"list"}, &out))
	assert.Contains(t, out.String(), "05AC")
	assert.Contains(t, out.String(), "blocked")

	require.NoError(t, run(ctx, cfgPath, []string{"remove", id}, &out))
	err = run(ctx, cfgPath, []string{"allow", id}, &out)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStatusCommand(t *testing.T) {
	cfgPath, dbPath, _ := writeConfig(t)
	dir := filepath.Dir(cfgPath)
	ctx := context.Background()

	dev := filepath.Join(dir, "sys", "1-3")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "idVendor"), []byte("05ac\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "idProduct"), []byte("0221\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "authorized"), []byte("0\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules", "99-usb-block-05ac-0221.rules"), []byte("# rule\n"), 0o644))

	r, err := registry.Open(dbPath, time.Second, enforcer.None{})
	require.NoError(t, err)
	res, err := r.Observe(ctx, "05ac", "0221", "")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfgPath, []string{"status", fmt.Sprint(res.Device.ID)}, &out))
	assert.Contains(t, out.String(), "connected=true attached=1 authorized=0 udev_rule=true")

	err = run(ctx, cfgPath, []string{"status", "999"}, &out)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBadArguments(t *testing.T) {
	cfgPath, _, _ := writeConfig(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, run(ctx, cfgPath, nil, &out))
	assert.Error(t, run(ctx, cfgPath, []string{"frobnicate"}, &out))
	assert.Error(t, run(ctx, cfgPath, []string{"allow"}, &out))
	assert.Error(t, run(ctx, cfgPath, []string{"allow", "abc"}, &out))
	assert.Error(t, run(ctx, cfgPath, []string{"status"}, &out))
}

func TestTrainCommand(t *testing.T) {
	cfgPath, _, modelPath := writeConfig(t)
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), cfgPath, []string{"train"}, &out))
	assert.Contains(t, out.String(), "trained 5 trees")

	f, err := analysis.LoadModel(modelPath)
	require.NoError(t, err)
	assert.Len(t, f.Trees, 5)
}
