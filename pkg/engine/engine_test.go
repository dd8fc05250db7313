package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/vfs"
)

// kvSchema returns a single string-key, single string-value schema:
// {id string, v string}, matching the shape every concrete scenario
// in this package's tests is built around.
func kvSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New("x", []schema.Field{
		{Name: "id", Type: schema.String, KeyPos: 0},
		{Name: "v", Type: schema.String, KeyPos: -1},
	})
	require.NoError(t, s.Validate())
	return s
}

func row(id, v string) schema.Row { return schema.Row{id, v} }

// testEnv opens an Env backed by vfs.MemFS with a single database "x"
// built on kvSchema, and registers t.Cleanup to close it.
func testEnv(t *testing.T, mutate func(*EnvConfig)) *Env {
	t.Helper()
	cfg := EnvConfig{
		Path: "/envs/t",
		FS:   vfs.NewMem(),
		Databases: []DatabaseConfig{
			{Name: "x", Schema: kvSchema(t), Geometry: schema.Geometry{NodeSize: 1 << 20, PageSize: 4096}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env, err := OpenEnv(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func mustDB(t *testing.T, env *Env, name string) *Database {
	t.Helper()
	db, ok := env.Database(name)
	require.True(t, ok)
	return db
}
