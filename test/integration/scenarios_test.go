// Package integration replays the YAML scenarios under testdata/
// against a real engine.Env, end to end: no package under test is
// stubbed out, and every step runs the same exported API an embedder
// would call.
package integration

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/engine"
	"github.com/cuemby/ldb/pkg/fixture"
	"github.com/cuemby/ldb/pkg/mvcc"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/vfs"
)

// kvSchema is the fixed two-column schema every scenario's databases
// share: a string key field and a string value field, matching
// pkg/engine's own test suite.
func kvSchema() *schema.Schema {
	s := schema.New("kv", []schema.Field{
		{Name: "id", Type: schema.String, KeyPos: 0},
		{Name: "v", Type: schema.String, KeyPos: -1},
	})
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

// concatFold is the upsert merge function every scenario's databases
// register: folding an UPSERT chain concatenates each delta onto the
// base value, in commit order.
func concatFold(base, delta []byte) []byte {
	return append(append([]byte(nil), base...), delta...)
}

func toRow(m map[string]string) schema.Row {
	return schema.Row{m["id"], m["v"]}
}

func fromRow(r schema.Row) map[string]string {
	return map[string]string{"id": r[0].(string), "v": r[1].(string)}
}

// runner replays one fixture.Scenario against a real environment,
// keeping the raw FS alive across a reopen step and a live set of
// named, in-flight transactions across begin/commit/rollback steps.
type runner struct {
	t   *testing.T
	fs  *crashFS
	cfg engine.EnvConfig
	env *engine.Env
	txs map[string]*engine.Tx
}

func newRunner(t *testing.T, s fixture.Scenario) *runner {
	t.Helper()

	specs := s.Databases
	if len(specs) == 0 {
		specs = []fixture.DatabaseSpec{{Name: "default"}}
	}
	dbCfgs := make([]engine.DatabaseConfig, len(specs))
	for i, spec := range specs {
		dbCfgs[i] = engine.DatabaseConfig{
			Name:      spec.Name,
			Schema:    kvSchema(),
			Geometry:  schema.Geometry{NodeSize: 1 << 20, PageSize: 4096, ExpireSeconds: spec.ExpireSeconds},
			MergeFunc: concatFold,
		}
		if spec.ExpireSeconds > 0 {
			dbCfgs[i].Planner.TTL = time.Duration(spec.ExpireSeconds) * time.Second
		}
		if spec.CompactBranchWatermark > 0 {
			dbCfgs[i].Planner.CompactBranchWatermark = spec.CompactBranchWatermark
		}
	}

	r := &runner{
		t:   t,
		fs:  &crashFS{FS: vfs.NewMem()},
		txs: make(map[string]*engine.Tx),
	}
	r.cfg = engine.EnvConfig{
		Path:      "/scenario",
		FS:        r.fs,
		Logger:    zerolog.Nop(),
		Databases: dbCfgs,
	}
	r.open()
	t.Cleanup(func() {
		if r.env != nil {
			_ = r.env.Close()
		}
	})
	return r
}

func (r *runner) open() {
	r.t.Helper()
	env, err := engine.OpenEnv(r.cfg)
	require.NoError(r.t, err)
	r.env = env
}

func (r *runner) db(name string) *engine.Database {
	r.t.Helper()
	if name == "" {
		name = r.cfg.Databases[0].Name
	}
	d, ok := r.env.Database(name)
	require.True(r.t, ok, "database %q not declared", name)
	return d
}

// run replays every step of s in order.
func (r *runner) run(s fixture.Scenario) {
	for i, step := range s.Steps {
		r.t.Logf("step %d: %s", i, step.Op)
		r.step(step)
	}
}

func (r *runner) step(st fixture.Step) {
	r.t.Helper()
	switch st.Op {
	case "set", "upsert", "delete":
		r.write(st)
	case "get":
		r.get(st)
	case "begin":
		r.begin(st)
	case "commit":
		r.commit(st)
	case "rollback":
		r.rollback(st)
	case "scan":
		r.scan(st)
	case "flush":
		_, err := r.db(st.Database).Flush()
		require.NoError(r.t, err)
	case "checkpoint":
		_, err := r.db(st.Database).Checkpoint()
		require.NoError(r.t, err)
	case "compact":
		_, err := r.db(st.Database).Compact()
		require.NoError(r.t, err)
	case "expire":
		_, err := r.db(st.Database).Expire()
		require.NoError(r.t, err)
	case "crash_compact":
		r.crashCompact(st)
	case "reopen":
		require.NoError(r.t, r.env.Close())
		r.open()
	case "sleep":
		d, err := time.ParseDuration(st.Sleep)
		require.NoError(r.t, err)
		time.Sleep(d)
	default:
		r.t.Fatalf("unknown step op %q", st.Op)
	}
}

func (r *runner) write(st fixture.Step) {
	r.t.Helper()
	row := toRow(st.Row)

	var outcome mvcc.Outcome
	var err error
	if st.Tx != "" {
		tx, ok := r.txs[st.Tx]
		require.True(r.t, ok, "tx %q not open", st.Tx)
		switch st.Op {
		case "set":
			outcome, err = tx.Set(row)
		case "upsert":
			outcome, err = tx.Upsert(row)
		case "delete":
			outcome, err = tx.Delete(row)
		}
	} else {
		db := r.db(st.Database)
		switch st.Op {
		case "set":
			outcome, err = db.Set(row)
		case "upsert":
			outcome, err = db.Upsert(row)
		case "delete":
			outcome, err = db.Delete(row)
		}
	}
	require.NoError(r.t, err)
	r.checkOutcome(st, outcome)
}

func (r *runner) get(st fixture.Step) {
	r.t.Helper()
	key := toRow(st.Key)

	var got schema.Row
	var ok bool
	var err error
	if st.Tx != "" {
		tx, exists := r.txs[st.Tx]
		require.True(r.t, exists, "tx %q not open", st.Tx)
		got, ok, err = tx.Get(key)
	} else {
		got, ok, err = r.db(st.Database).Get(key)
	}
	require.NoError(r.t, err)

	if st.Expect == nil {
		return
	}
	if st.Expect.Present != nil {
		require.Equal(r.t, *st.Expect.Present, ok)
	}
	if ok && st.Expect.Value != nil {
		require.Equal(r.t, st.Expect.Value, fromRow(got))
	}
}

func (r *runner) begin(st fixture.Step) {
	r.t.Helper()
	require.NotEmpty(r.t, st.Tx, "begin step needs a tx name")
	r.txs[st.Tx] = r.db(st.Database).Begin(mvcc.ReadWrite)
}

func (r *runner) commit(st fixture.Step) {
	r.t.Helper()
	tx, ok := r.txs[st.Tx]
	require.True(r.t, ok, "tx %q not open", st.Tx)
	outcome := tx.Commit()
	delete(r.txs, st.Tx)
	r.checkOutcome(st, outcome)
}

func (r *runner) rollback(st fixture.Step) {
	r.t.Helper()
	tx, ok := r.txs[st.Tx]
	require.True(r.t, ok, "tx %q not open", st.Tx)
	tx.Rollback()
	delete(r.txs, st.Tx)
}

func (r *runner) checkOutcome(st fixture.Step, outcome mvcc.Outcome) {
	r.t.Helper()
	if st.Expect == nil || st.Expect.Outcome == "" {
		require.Equal(r.t, mvcc.OK, outcome, "unexpected outcome %s", outcome)
		return
	}
	require.Equal(r.t, st.Expect.Outcome, outcome.String())
}

func (r *runner) scan(st fixture.Step) {
	r.t.Helper()
	db := r.db(st.Database)
	view := db.View()
	defer view.Close()

	var prefix []byte
	if st.Prefix != "" {
		prefix = []byte(st.Prefix)
	}
	cur, err := view.Cursor(nil, false, prefix)
	require.NoError(r.t, err)
	defer cur.Close()

	var got []map[string]string
	for cur.Valid() {
		row, err := cur.Row()
		require.NoError(r.t, err)
		got = append(got, fromRow(row))
		require.NoError(r.t, cur.Next())
	}

	if st.Expect != nil && st.Expect.Rows != nil {
		require.Equal(r.t, st.Expect.Rows, got)
	}
}

// crashCompact drives a compaction that dies after its replacement
// branch chain is durably sealed but before the superseded file is
// renamed out of the way, then leaves the damage for the next reopen
// step to recover from — scenario 5's crash window, reproduced
// through the same rename node.PlanRecovery actually guards against
// rather than asserted against in the abstract.
func (r *runner) crashCompact(st fixture.Step) {
	r.t.Helper()
	r.fs.arm(".db.gc")
	_, err := r.db(st.Database).Compact()
	require.Error(r.t, err, "crash-simulated compact should surface the failed rename")
}

func TestScenarios(t *testing.T) {
	scenarios, err := fixture.LoadDir("testdata")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios, "no scenario fixtures found under testdata/")

	for _, s := range scenarios {
		s := s
		t.Run(s.Name, func(t *testing.T) {
			r := newRunner(t, s)
			r.run(s)
		})
	}
}
