package artifact_test

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"simgate/internal/artifact"
	"simgate/internal/db"
	"simgate/internal/domain"
	"simgate/internal/events"
	"simgate/internal/migrate"
	"simgate/internal/repo"
	"simgate/internal/sandbox"
)

func newStore(t *testing.T) (*artifact.Store, afero.Fs, repo.Repo) {
	t.Helper()
	ctx := context.Background()
	conn, target, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrate.Migrate(ctx, conn, target.Dialect)
	require.NoError(t, err)

	r := repo.New(conn, target.Dialect)
	fsys := afero.NewMemMapFs()
	v := sandbox.NewValidator(sandbox.Limits{
		MaxBytes:          64 << 10,
		MaxExtractedBytes: 1 << 20,
		MaxEntries:        16,
		AllowedPlatforms:  []string{"x86_64-linux"},
	})
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	return artifact.NewStoreFS(fsys, r, events.Writer{DB: conn, Dialect: target.Dialect}, v, logger), fsys, r
}

func fmu(t *testing.T, extra string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"modelDescription.xml":       `<fmiModelDescription fmiVersion="3.0" modelName="Tank" instantiationToken="tok-1"/>`,
		"binaries/x86_64-linux/t.so": "ELF" + extra,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPutDeduplicatesByHash(t *testing.T) {
	store, fsys, _ := newStore(t)
	ctx := context.Background()
	content := fmu(t, "")

	a, created, err := store.Put(ctx, "uploads/tank.fmu", content, "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, a.SHA256, a.ID)
	assert.Equal(t, "tank.fmu", a.Filename)
	assert.Equal(t, "Tank", a.ModelName)
	assert.Equal(t, "3.0", a.FMIVersion)
	assert.Equal(t, "tok-1", a.GUID)

	again, created, err := store.Put(ctx, "copy.fmu", content, "key-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, "tank.fmu", again.Filename)

	files, err := afero.ReadDir(fsys, "/")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	other, created, err := store.Put(ctx, "", fmu(t, "v2"), "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, other.ID)

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPutRejectsInvalidWithoutStoring(t *testing.T) {
	store, fsys, _ := newStore(t)
	big := bytes.Repeat([]byte{'x'}, 65<<10)
	_, _, err := store.Put(context.Background(), "big.fmu", big, "key-1")
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)

	files, err := afero.ReadDir(fsys, "/")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLoad(t *testing.T) {
	store, fsys, _ := newStore(t)
	ctx := context.Background()
	content := fmu(t, "")
	a, _, err := store.Put(ctx, "tank.fmu", content, "key-1")
	require.NoError(t, err)

	meta, got, err := store.Load(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, a.ID, meta.ID)

	_, _, err = store.Load(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrArtifactNotFound)

	require.NoError(t, fsys.Remove(a.StoragePath))
	_, _, err = store.Load(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrArtifactNotFound)
}

func TestConcurrentIdenticalUploads(t *testing.T) {
	store, fsys, _ := newStore(t)
	ctx := context.Background()
	content := fmu(t, "race")

	created := make([]bool, 16)
	var g errgroup.Group
	for i := range created {
		g.Go(func() error {
			_, c, err := store.Put(ctx, "tank.fmu", content, "key-1")
			created[i] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	n := 0
	for _, c := range created {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n)

	files, err := afero.ReadDir(fsys, "/")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0].Name(), ".fmu"))
}

const tankWithVariables = `<fmiModelDescription fmiVersion="2.0" modelName="Tank" description="Gravity drained tank" guid="g-1">
  <ModelVariables>
    <ScalarVariable name="level" causality="output"><Real unit="m"/></ScalarVariable>
    <ScalarVariable name="area" causality="parameter" variability="fixed"><Real/></ScalarVariable>
  </ModelVariables>
</fmiModelDescription>`

func libraryFMU(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"modelDescription.xml":       tankWithVariables,
		"binaries/x86_64-linux/t.so": "ELF",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestVariables(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()
	a, _, err := store.Put(ctx, "tank.fmu", libraryFMU(t), "key-1")
	require.NoError(t, err)

	vars, err := store.Variables(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, sandbox.Variable{Name: "level", Type: "Real", Causality: "output", Variability: "continuous", Unit: "m"}, vars[0])
	assert.Equal(t, "fixed", vars[1].Variability)

	_, err = store.Variables(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrArtifactNotFound)
}

func TestLibrary(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	models, err := store.Library(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, models)
	_, err = store.Get(ctx, "msl:Tank")
	require.ErrorIs(t, err, domain.ErrArtifactNotFound)

	lib := afero.NewMemMapFs()
	content := libraryFMU(t)
	require.NoError(t, afero.WriteFile(lib, "/Tank.fmu", content, 0o644))
	require.NoError(t, afero.WriteFile(lib, "/Junk.fmu", []byte("junk"), 0o644))
	require.NoError(t, lib.Mkdir("/Nested.fmu", 0o755))
	store.WithLibrary(lib)

	models, err = store.Library(ctx, "")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "Tank", models[0].ID)
	assert.Equal(t, "msl:Tank", models[0].Reference)
	assert.Equal(t, "Gravity drained tank", models[0].Description)

	models, err = store.Library(ctx, "TANK")
	require.NoError(t, err)
	assert.Len(t, models, 1)
	models, err = store.Library(ctx, "pump")
	require.NoError(t, err)
	assert.Empty(t, models)

	a, got, err := store.Load(ctx, "msl:Tank")
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, "msl:Tank", a.ID)
	assert.Len(t, a.SHA256, 64)
	assert.Equal(t, "Tank", a.ModelName)

	vars, err := store.Variables(ctx, "msl:Tank")
	require.NoError(t, err)
	assert.Len(t, vars, 2)

	for _, ref := range []string{"msl:", "msl:../Tank", "msl:.hidden", "msl:Nested", "msl:tank"} {
		_, err := store.Get(ctx, ref)
		require.ErrorIs(t, err, domain.ErrArtifactNotFound, ref)
	}
	_, err = store.Get(ctx, "msl:Junk")
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)

	name, ok := artifact.LibraryName("msl:Tank")
	assert.True(t, ok)
	assert.Equal(t, "Tank", name)
	_, ok = artifact.LibraryName(a.SHA256)
	assert.False(t, ok)
}
