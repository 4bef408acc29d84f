package sandbox

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"simgate/internal/domain"
	"simgate/internal/sandbox/sandboxtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const modelXML = `<?xml version="1.0" encoding="UTF-8"?>
<fmiModelDescription fmiVersion="2.0" modelName="BouncingBall" guid="{8c4e810f-3df3-4a00-8276-176fa3c9f003}"/>`

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func validFMU(t *testing.T) []byte {
	return buildArchive(t, map[string]string{
		"modelDescription.xml":                  modelXML,
		"binaries/x86_64-linux/BouncingBall.so": "ELF",
		"documentation/index.html":              "<html/>",
		"resources/config/defaults.txt":         "g=9.81",
	})
}

var testLimits = Limits{
	MaxBytes:          1 << 20,
	MaxExtractedBytes: 4 << 20,
	MaxEntries:        64,
	AllowedPlatforms:  []string{"x86_64-linux", "linux64"},
}

func TestValidateAcceptsFMU(t *testing.T) {
	m, err := NewValidator(testLimits).Validate(validFMU(t))
	require.NoError(t, err)
	assert.Equal(t, "BouncingBall", m.ModelName)
	assert.Equal(t, "2.0", m.FMIVersion)
	assert.Equal(t, "{8c4e810f-3df3-4a00-8276-176fa3c9f003}", m.GUID)
	assert.Equal(t, []string{"x86_64-linux"}, m.Platforms)
	assert.False(t, m.HasSources)
	assert.Len(t, m.SHA256, 64)
}

func TestValidateReadsModelVariables(t *testing.T) {
	m, err := NewValidator(testLimits).Validate(sandboxtest.FMU(t))
	require.NoError(t, err)
	assert.Equal(t, "Ball bouncing on the ground", m.Description)
	assert.Equal(t, []Variable{
		{Name: "h", Type: "Real", Causality: "output", Variability: "continuous", DeclaredType: "Height"},
		{Name: "v", Type: "Real", Causality: "local", Variability: "continuous", Unit: "m/s", Description: "velocity"},
		{Name: "e", Type: "Real", Causality: "parameter", Variability: "tunable"},
		{Name: "bounces", Type: "Integer", Causality: "output", Variability: "discrete"},
	}, m.Variables)

	fmi3 := buildArchive(t, map[string]string{
		"modelDescription.xml":           sandboxtest.ModelDescription3,
		"binaries/x86_64-linux/model.so": "ELF",
	})
	m, err = NewValidator(testLimits).Validate(fmi3)
	require.NoError(t, err)
	assert.Equal(t, "{1AE5E10D-9521-4DE3-80B9-D0EAAA7D5AF1}", m.GUID)
	assert.Equal(t, []Variable{
		{Name: "time", Type: "Float64", Causality: "independent", Variability: "continuous"},
		{Name: "h", Type: "Float64", Causality: "output", Variability: "continuous", DeclaredType: "Position"},
		{Name: "g", Type: "Float64", Causality: "parameter", Variability: "fixed", Unit: "m/s2"},
	}, m.Variables)
}

func TestValidateRejects(t *testing.T) {
	v := NewValidator(testLimits)
	cases := map[string][]byte{
		"traversal": buildArchive(t, map[string]string{
			"modelDescription.xml":           modelXML,
			"binaries/x86_64-linux/model.so": "ELF",
			"../../etc/passwd":               "root::0:0",
		}),
		"nested traversal": buildArchive(t, map[string]string{
			"binaries/x86_64-linux/../../../../tmp/x": "x",
		}),
		"absolute": buildArchive(t, map[string]string{
			"binaries/x86_64-linux/model.so": "ELF",
			"/etc/cron.d/evil":               "x",
		}),
		"drive letter": buildArchive(t, map[string]string{
			"binaries/x86_64-linux/model.so": "ELF",
			`C:\Windows\evil.dll`:            "x",
		}),
		"backslash traversal": buildArchive(t, map[string]string{
			"binaries/x86_64-linux/model.so": "ELF",
			`..\..\evil`:                     "x",
		}),
		"wrong platform only": buildArchive(t, map[string]string{
			"modelDescription.xml":     modelXML,
			"binaries/win64/model.dll": "MZ",
		}),
		"no binaries no sources": buildArchive(t, map[string]string{
			"modelDescription.xml": modelXML,
		}),
		"not a zip": []byte("definitely not a zip archive"),
		"bad manifest": buildArchive(t, map[string]string{
			"modelDescription.xml":           "<fmiModelDescription",
			"binaries/x86_64-linux/model.so": "ELF",
		}),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(content)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrArtifactInvalid)
		})
	}
}

func TestValidateAcceptsSourcesWithoutAllowedBinaries(t *testing.T) {
	m, err := NewValidator(testLimits).Validate(buildArchive(t, map[string]string{
		"modelDescription.xml":     modelXML,
		"binaries/win64/model.dll": "MZ",
		"sources/model.c":          "int main(){}",
	}))
	require.NoError(t, err)
	assert.True(t, m.HasSources)
}

func TestValidateSizeLimits(t *testing.T) {
	content := validFMU(t)

	small := testLimits
	small.MaxBytes = int64(len(content)) - 1
	_, err := NewValidator(small).Validate(content)
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)
	assert.Contains(t, err.Error(), "limit is")

	expand := testLimits
	expand.MaxExtractedBytes = 4
	_, err = NewValidator(expand).Validate(content)
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)

	entries := testLimits
	entries.MaxEntries = 2
	_, err = NewValidator(entries).Validate(content)
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)
}

func TestExtractStaysInsideRoot(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll("/job", 0o755))
	root := afero.NewBasePathFs(mem, "/job")

	require.NoError(t, extract(root, validFMU(t), 1<<20))
	data, err := afero.ReadFile(mem, "/job/resources/config/defaults.txt")
	require.NoError(t, err)
	assert.Equal(t, "g=9.81", string(data))

	evil := buildArchive(t, map[string]string{"../outside": "x"})
	err = extract(root, evil, 1<<20)
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)
	exists, _ := afero.Exists(mem, "/outside")
	assert.False(t, exists)

	err = extract(afero.NewBasePathFs(mem, "/job2"), validFMU(t), 3)
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)
}

func TestCappedBuffer(t *testing.T) {
	fired := 0
	b := newCappedBuffer(5, func() { fired++ })
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, _ = b.Write([]byte("ij"))
	assert.Equal(t, "abcde", string(b.Bytes()))
	assert.True(t, b.Overflowed())
	assert.Equal(t, 1, fired)
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()
	out := r.Apply("auth failed: Bearer abc.def token=ptok_0123456789abcdef0123 key sk_live_ABCDEF123")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "ptok_0123456789abcdef0123")
	assert.NotContains(t, out, "sk_live_ABCDEF123")
}

func newTestRunner(t *testing.T, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		Command:        []string{"sh", "-c", "cat"},
		Isolation:      IsolationNone,
		Timeout:        5 * time.Second,
		MaxOutputBytes: 1 << 16,
		OutputPolicy:   OutputReject,
		WorkDir:        t.TempDir(),
		Limits:         testLimits,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	require.NoError(t, err)
	return r
}

func TestExecuteEchoesParams(t *testing.T) {
	r := newTestRunner(t, nil)
	res, err := r.Execute(context.Background(), Job{ID: "j1", Content: validFMU(t), Params: []byte(`{"stop_time":10}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stop_time":10}`, string(res.Output))
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Truncated)
	assert.Equal(t, "BouncingBall", res.Manifest.ModelName)
}

func TestExecuteSeesExtractedModel(t *testing.T) {
	r := newTestRunner(t, func(c *Config) {
		c.Command = []string{"sh", "-c", "cat {dir}/resources/config/defaults.txt && test -f {artifact} && test -f {params}"}
	})
	res, err := r.Execute(context.Background(), Job{ID: "j2", Content: validFMU(t)})
	require.NoError(t, err)
	assert.Equal(t, "g=9.81", string(res.Output))
}

func TestExecuteRejectsTraversalBeforeRunning(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	r := newTestRunner(t, func(c *Config) {
		c.Command = []string{"sh", "-c", "touch " + marker}
	})
	evil := buildArchive(t, map[string]string{
		"binaries/x86_64-linux/model.so": "ELF",
		"../../etc/passwd":               "root::0:0",
	})
	_, err := r.Execute(context.Background(), Job{ID: "j3", Content: evil})
	require.ErrorIs(t, err, domain.ErrArtifactInvalid)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	r := newTestRunner(t, func(c *Config) {
		c.Command = []string{"sh", "-c", "sleep 30 & sleep 30; wait"}
		c.Timeout = 300 * time.Millisecond
	})
	start := time.Now()
	_, err := r.Execute(context.Background(), Job{ID: "j4", Content: validFMU(t)})
	require.ErrorIs(t, err, domain.ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteOutputCap(t *testing.T) {
	r := newTestRunner(t, func(c *Config) {
		c.Command = []string{"sh", "-c", "head -c 200000 /dev/zero"}
		c.MaxOutputBytes = 1000
	})
	_, err := r.Execute(context.Background(), Job{ID: "j5", Content: validFMU(t)})
	require.ErrorIs(t, err, domain.ErrResponseTooLarge)

	tr := newTestRunner(t, func(c *Config) {
		c.Command = []string{"sh", "-c", "head -c 200000 /dev/zero"}
		c.MaxOutputBytes = 1000
		c.OutputPolicy = OutputTruncate
	})
	res, err := tr.Execute(context.Background(), Job{ID: "j6", Content: validFMU(t)})
	require.NoError(t, err)
	assert.Len(t, res.Output, 1000)
	assert.True(t, res.Truncated)
}

func TestExecuteFailureIsSanitized(t *testing.T) {
	r := newTestRunner(t, func(c *Config) {
		c.Command = []string{"sh", "-c", "echo 'password=hunter2 at /srv/secret/path' >&2; exit 3"}
	})
	_, err := r.Execute(context.Background(), Job{ID: "j7", Content: validFMU(t)})
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.NotContains(t, err.Error(), "/srv/secret")
}

func TestExecuteCleansScratchDir(t *testing.T) {
	work := t.TempDir()
	r := newTestRunner(t, func(c *Config) { c.WorkDir = work })
	_, err := r.Execute(context.Background(), Job{ID: "j8", Content: validFMU(t)})
	require.NoError(t, err)
	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDockerArgv(t *testing.T) {
	r := newTestRunner(t, func(c *Config) {
		c.Isolation = IsolationDocker
		c.DockerImage = "fmu-runtime:latest"
		c.Memory = "1g"
		c.Command = []string{"fmu-runner", "--fmu", "{artifact}", "--dir", "{dir}"}
	})
	argv, name := r.argv(Job{ID: "sess/1"}, "/tmp/job-1")
	joined := strings.Join(argv, " ")
	assert.Equal(t, "simgate-sess-1", name)
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 1g")
	assert.Contains(t, joined, "-v /tmp/job-1:/job")
	assert.True(t, strings.HasSuffix(joined, "fmu-runtime:latest fmu-runner --fmu /job/artifact.fmu --dir /job/model"))
}
