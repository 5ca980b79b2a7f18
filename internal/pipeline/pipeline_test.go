package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rawstage/internal/config"
	"rawstage/internal/entity"
	"rawstage/internal/metrics"
	"rawstage/internal/parser/csv"
	"rawstage/internal/storage"
	_ "rawstage/internal/storage/sqlite"
)

var t0 = time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)

const (
	branchesCSV = "branch_id,name,city,state\n" +
		"b1,downtown branch,Chicago,IL\n" +
		"b2,UPTOWN,Chicago,IL\n"

	customersCSV = "customer_id,name,dob,kyc_status,email,phone,address,city,state,zip,country\n" +
		"c1,  john   DOE ,05/17/1990,verified,John@Example.com,1-555-123-4567,12  Main St,Chicago,IL,60601,US\n" +
		"c2,jane roe,1985-02-03,pending,jane@example.com,12345,,Boston,MA,02134,US\n" +
		"C1 ,John Duplicate,1990-05-17,verified,dup@example.com,,,Chicago,IL,60601,US\n" +
		",nobody,,,,,,,,,\n"

	merchantsCSV = "merchant_id,name,category,city,country\n" +
		"m1,corner store,GROCERY stores,Chicago,US\n"

	geosTSV = "geo_id\tlat\tlon\tcity\tcountry\n" +
		"g1\t41.8781\t-87.6298\tChicago\tUS\n" +
		"\t1\t2\tNowhere\tXX\n"

	accountsCSV = "account_id,customer_id,branch_id,type,status,opened_at,balance\n" +
		"a1,c1,b1,checking,open,2024-03-01 10:00:00,\"$1,000.50\"\n" +
		"a2,C2,,savings,open,,250\n"

	devicesCSV = "device_id,customer_id\nd1,c1\n"
)

type fixture struct {
	dir  string
	repo storage.Repository
	cfg  config.Config
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	repo, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(dir, "run.db")})
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	return &fixture{
		dir:  dir,
		repo: repo,
		cfg: config.Config{
			DataDir:       dir,
			LandingPrefix: "raw_",
			StagingPrefix: "stg_",
			Sources: []config.Source{
				{Entity: "branches", File: "branches_raw.csv"},
				{Entity: "customers", File: "customers_raw.csv"},
				{Entity: "merchants", File: "merchants_raw.csv"},
				{Entity: "geos", File: "geos_raw.tsv"},
				{Entity: "accounts", File: "accounts_raw.csv"},
				{Entity: "devices", File: "devices_raw.csv"},
			},
		},
	}
}

func allFiles() map[string]string {
	return map[string]string{
		"branches_raw.csv":  branchesCSV,
		"customers_raw.csv": customersCSV,
		"merchants_raw.csv": merchantsCSV,
		"geos_raw.tsv":      geosTSV,
		"accounts_raw.csv":  accountsCSV,
		"devices_raw.csv":   devicesCSV,
	}
}

func (f *fixture) run(t *testing.T, now time.Time) (Report, error) {
	t.Helper()
	p := New(f.cfg, f.repo, WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return now }))
	return p.Run(context.Background())
}

func (f *fixture) snapshot(t *testing.T) map[string][][]any {
	t.Helper()
	out := map[string][][]any{}
	for _, r := range entity.Rules() {
		table := r.TableName("stg_")
		ok, err := f.repo.TableExists(context.Background(), table)
		require.NoError(t, err)
		if !ok {
			continue
		}
		_, rows, err := f.repo.SelectRows(context.Background(), table, []string{r.Key})
		require.NoError(t, err)
		out[table] = rows
	}
	return out
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	_, rows, err := f.repo.SelectRows(context.Background(), table, nil)
	require.NoError(t, err)
	return len(rows)
}

func upserted(rep Report) map[string]int64 {
	out := map[string]int64{}
	for _, e := range rep.Staged {
		out[e.Entity] = e.Upserted
	}
	return out
}

func TestRun_FullPipelineIsIdempotent(t *testing.T) {
	f := newFixture(t, allFiles())

	rep, err := f.run(t, t0)
	require.NoError(t, err)

	require.Len(t, rep.Landed, 6)
	assert.Equal(t, "raw_geos", rep.Landed[3].Table)
	assert.EqualValues(t, 4, rep.Landed[1].Rows)
	assert.Equal(t, map[string]int64{"branch": 2, "customer": 2, "merchant": 1, "geo": 1, "account": 2}, upserted(rep))

	var customer EntityResult
	for _, e := range rep.Staged {
		if e.Entity == "customer" {
			customer = e
		}
	}
	assert.Equal(t, 4, customer.Read)
	assert.Equal(t, 1, customer.DroppedMissingKey)
	assert.Equal(t, 1, customer.Duplicates)
	assert.Equal(t, 2, customer.Canonical)

	first := f.snapshot(t)
	require.Len(t, first, 5)

	cols, rows, err := f.repo.SelectRows(context.Background(), "stg_customer", []string{"customer_id"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	c1 := map[string]any{}
	for i, c := range cols {
		c1[c] = rows[0][i]
	}
	assert.Equal(t, "C1", c1["customer_id"])
	assert.Equal(t, "John Doe", c1["name"])
	assert.Equal(t, "+15551234567", c1["phone"])
	assert.Equal(t, "12 Main St", c1["address"])
	assert.EqualValues(t, 60601, c1["zip"])

	// Second run over the same files: landing grows, staging does not change.
	rep, err = f.run(t, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"branch": 0, "customer": 0, "merchant": 0, "geo": 0, "account": 0}, upserted(rep))
	assert.Equal(t, first, f.snapshot(t))

	assert.Equal(t, 8, f.count(t, "raw_customers"))
	assert.Equal(t, 2, f.count(t, "raw_devices"))
}

func TestRun_NewerExtractWins(t *testing.T) {
	f := newFixture(t, allFiles())
	_, err := f.run(t, t0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "branches_raw.csv"),
		[]byte("branch_id,name,city,state\nb2,riverside,Chicago,IL\n"), 0o644))

	rep, err := f.run(t, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, upserted(rep)["branch"])

	_, rows, err := f.repo.SelectRows(context.Background(), "stg_branch", []string{"branch_id"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Downtown Branch", rows[0][1])
	assert.Equal(t, "Riverside", rows[1][1])
}

func TestRun_MissingCustomerFailsAccountsOnly(t *testing.T) {
	files := allFiles()
	files["accounts_raw.csv"] = accountsCSV + "a3,c999,b1,checking,open,2024-03-01,10\n"
	f := newFixture(t, files)

	rep, err := f.run(t, t0)
	require.Error(t, err)

	var se *StepError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, StepStage, se.Step)
	assert.Equal(t, "account", se.Entity)
	assert.Equal(t, "stg_account", se.Table)
	var te *storage.TableError
	assert.True(t, errors.As(err, &te))

	require.Len(t, rep.Staged, 4)
	assert.Equal(t, 2, f.count(t, "stg_customer"))
	assert.Equal(t, 0, f.count(t, "stg_account"), "the account batch is all or nothing")
}

func TestRun_BadBalanceIsFatal(t *testing.T) {
	files := allFiles()
	files["accounts_raw.csv"] = accountsCSV + "a3,c1,b1,checking,open,2024-03-01,lots\n"
	f := newFixture(t, files)

	_, err := f.run(t, t0)
	var se *StepError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "account", se.Entity)
	assert.Equal(t, "raw_accounts", se.Table)

	var re *entity.RowError
	require.True(t, errors.As(err, &re))
	assert.EqualValues(t, 3, re.RowNum)
}

func TestRun_FixedExtractSupersedesBadRow(t *testing.T) {
	files := allFiles()
	files["accounts_raw.csv"] = accountsCSV + "a3,c1,b1,checking,open,2024-03-01,lots\n"
	f := newFixture(t, files)

	_, err := f.run(t, t0)
	var re *entity.RowError
	require.True(t, errors.As(err, &re), "got %v", err)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "accounts_raw.csv"),
		[]byte(accountsCSV+"a3,c1,b1,checking,open,2024-03-01,10\n"), 0o644))

	rep, err := f.run(t, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, upserted(rep)["account"])
	assert.Equal(t, 3, f.count(t, "stg_account"))
}

func TestRun_RenamedKeyColumnIsFatal(t *testing.T) {
	files := allFiles()
	files["branches_raw.csv"] = "BranchID,name,city,state\nb1,downtown branch,Chicago,IL\n"
	f := newFixture(t, files)

	rep, err := f.run(t, t0)
	var se *StepError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, StepStage, se.Step)
	assert.Equal(t, "branch", se.Entity)
	assert.Equal(t, "raw_branches", se.Table)
	assert.ErrorIs(t, err, entity.ErrMissingColumn)
	assert.Empty(t, rep.Staged)

	ok, err := f.repo.TableExists(context.Background(), "stg_branch")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLand_ExtractReaderFailure(t *testing.T) {
	f := newFixture(t, allFiles())
	boom := errors.New("share unavailable")

	var reads []string
	reader := func(ctx context.Context, name, path string) (*csv.Extract, error) {
		reads = append(reads, name)
		if name == "customers" {
			return nil, boom
		}
		return csv.ReadExtract(ctx, name, path)
	}

	p := New(f.cfg, f.repo, WithExtractReader(reader), WithClock(func() time.Time { return t0 }))
	landed, err := p.Land(context.Background())

	var se *StepError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, StepLand, se.Step)
	assert.Equal(t, "raw_customers", se.Table)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"branches", "customers"}, reads)
	assert.Len(t, landed, 1)
}

func TestStage_CustomRules(t *testing.T) {
	f := newFixture(t, allFiles())
	branch, ok := entity.Lookup("branch")
	require.True(t, ok)

	p := New(f.cfg, f.repo, WithRules([]entity.Rule{branch}), WithClock(func() time.Time { return t0 }))
	rep, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Staged, 1)
	assert.Equal(t, "branch", rep.Staged[0].Entity)
	assert.Equal(t, 2, f.count(t, "stg_branch"))
	ok, err = f.repo.TableExists(context.Background(), "stg_customer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_MissingSourceFileIsFatal(t *testing.T) {
	f := newFixture(t, allFiles())
	f.cfg.Sources = append(f.cfg.Sources[:2:2], config.Source{Entity: "alerts", File: "alerts_raw.csv"})

	rep, err := f.run(t, t0)
	var se *StepError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, StepLand, se.Step)
	assert.Equal(t, "alerts", se.Entity)
	assert.Equal(t, "raw_alerts", se.Table)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	assert.Len(t, rep.Landed, 2)
	assert.Empty(t, rep.Staged)
	ok, err := f.repo.TableExists(context.Background(), "stg_customer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStage_SkipsEntitiesWithoutLandingTable(t *testing.T) {
	f := newFixture(t, allFiles())
	f.cfg.Sources = []config.Source{{Entity: "branches", File: "branches_raw.csv"}}

	rep, err := f.run(t, t0)
	require.NoError(t, err)

	require.Len(t, rep.Staged, 5)
	for _, e := range rep.Staged {
		assert.Equal(t, e.Entity != "branch", e.Skipped, e.Entity)
	}
}

func TestLand_SameFileTwiceAppends(t *testing.T) {
	f := newFixture(t, allFiles())
	f.cfg.Sources = []config.Source{
		{Entity: "branches", File: "branches_raw.csv"},
		{Entity: "branches", File: "branches_raw.csv"},
	}

	p := New(f.cfg, f.repo, WithClock(func() time.Time { return t0 }))
	landed, err := p.Land(context.Background())
	require.NoError(t, err)
	require.Len(t, landed, 2)

	_, rows, err := f.repo.SelectRows(context.Background(), "raw_branches", []string{"rownum_in_file"})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestStepError(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	err := &StepError{Step: StepStage, Entity: "customer", Table: "stg_customer", Err: inner}
	assert.Equal(t, "stage customer (table stg_customer): connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
}

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (b *recordingBackend) IncCounter(name string, delta float64, labels metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[name+"|"+labels["step"]+labels["status"]+labels["kind"]+labels["entity"]] += delta
}

func (b *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *recordingBackend) Flush() error                                   { return nil }

func TestRun_EmitsMetrics(t *testing.T) {
	rb := &recordingBackend{counters: map[string]float64{}}
	metrics.SetBackend(rb)
	defer metrics.SetBackend(nil)

	f := newFixture(t, allFiles())
	_, err := f.run(t, t0)
	require.NoError(t, err)

	assert.Equal(t, 1.0, rb.counters[metrics.StepTotal+"|landok"])
	assert.Equal(t, 1.0, rb.counters[metrics.StepTotal+"|stageok"])
	assert.Equal(t, 4.0, rb.counters[metrics.RecordsTotal+"|landedcustomers"])
	assert.Equal(t, 2.0, rb.counters[metrics.RecordsTotal+"|upsertedcustomer"])
	assert.Equal(t, 1.0, rb.counters[metrics.RecordsTotal+"|duplicatecustomer"])
	assert.Equal(t, 2.0, rb.counters[metrics.BatchesTotal+"|customers"]+rb.counters[metrics.BatchesTotal+"|customer"])
}
