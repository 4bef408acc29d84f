// Package sandboxtest builds simulation archives for tests.
package sandboxtest

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

const ModelDescription = `<?xml version="1.0" encoding="UTF-8"?>
<fmiModelDescription fmiVersion="2.0" modelName="BouncingBall" description="Ball bouncing on the ground" guid="{8c4e810f-3df3-4a00-8276-176fa3c9f003}">
  <TypeDefinitions>
    <SimpleType name="Height"><Real quantity="Length" unit="m"/></SimpleType>
  </TypeDefinitions>
  <ModelVariables>
    <ScalarVariable name="h" valueReference="0" causality="output" variability="continuous" initial="exact">
      <Real declaredType="Height" start="1"/>
    </ScalarVariable>
    <ScalarVariable name="v" valueReference="1" description="velocity">
      <Real unit="m/s" start="0"/>
    </ScalarVariable>
    <ScalarVariable name="e" valueReference="2" causality="parameter" variability="tunable">
      <Real start="0.7"/>
    </ScalarVariable>
    <ScalarVariable name="bounces" valueReference="3" causality="output">
      <Integer/>
    </ScalarVariable>
  </ModelVariables>
</fmiModelDescription>`

// ModelDescription3 is an FMI 3 description of the same model.
const ModelDescription3 = `<?xml version="1.0" encoding="UTF-8"?>
<fmiModelDescription fmiVersion="3.0" modelName="BouncingBall" instantiationToken="{1AE5E10D-9521-4DE3-80B9-D0EAAA7D5AF1}">
  <ModelVariables>
    <Float64 name="time" valueReference="0" causality="independent" variability="continuous"/>
    <Float64 name="h" valueReference="1" causality="output" declaredType="Position"/>
    <Float64 name="g" valueReference="2" causality="parameter" variability="fixed" unit="m/s2"/>
  </ModelVariables>
</fmiModelDescription>`

// Archive zips files in the given order-insensitive map.
func Archive(t testing.TB, files map[string]string) []byte {
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

// FMU is a minimal package with a linux binary.
func FMU(t testing.TB) []byte {
	return Archive(t, map[string]string{
		"modelDescription.xml":                  ModelDescription,
		"binaries/x86_64-linux/BouncingBall.so": "ELF",
		"resources/config/defaults.txt":         "g=9.81",
	})
}

// Traversal carries an entry that would escape the extraction root.
func Traversal(t testing.TB) []byte {
	return Archive(t, map[string]string{
		"modelDescription.xml":           ModelDescription,
		"binaries/x86_64-linux/model.so": "ELF",
		"../../etc/passwd":               "root::0:0",
	})
}
